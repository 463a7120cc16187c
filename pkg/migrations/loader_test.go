// SPDX-License-Identifier: Apache-2.0

package migrations_test

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/pkg/migrations"
)

func TestLoadDirOrdersBySlugAndPairsSiblings(t *testing.T) {
	root := fstest.MapFS{
		"002_add_index.up.sql":    {Data: []byte("CREATE INDEX IF NOT EXISTS idx ON t (c);")},
		"002_add_index.down.sql":  {Data: []byte("DROP INDEX IF EXISTS idx;")},
		"001_create_table.up.sql": {Data: []byte("CREATE TABLE t (c int);")},
		"001_create_table.yaml": {Data: []byte(`
hooks:
  - id: notify
    phase: AFTER_DDL
`)},
	}

	got, err := migrations.LoadDir(root)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "001_create_table", got[0].Slug)
	assert.Equal(t, "CREATE TABLE t (c int);", got[0].ForwardSQL)
	assert.Empty(t, got[0].InverseSQL)
	require.Len(t, got[0].Hooks, 1)
	assert.Equal(t, "notify", got[0].Hooks[0].ID)
	assert.Equal(t, migrations.PhaseAfterDDL, got[0].Hooks[0].Phase)

	assert.Equal(t, "002_add_index", got[1].Slug)
	assert.Equal(t, "DROP INDEX IF EXISTS idx;", got[1].InverseSQL)
	assert.Empty(t, got[1].Hooks)
}

func TestLoadDirEmptyDirectoryReturnsNoMigrations(t *testing.T) {
	got, err := migrations.LoadDir(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadDirRejectsMalformedManifest(t *testing.T) {
	root := fstest.MapFS{
		"001_bad.up.sql": {Data: []byte("SELECT 1;")},
		"001_bad.yaml":   {Data: []byte("hooks: [this is not a hook list")},
	}

	_, err := migrations.LoadDir(root)
	assert.Error(t, err)
}
