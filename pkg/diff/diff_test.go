// SPDX-License-Identifier: Apache-2.0

package diff_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/pkg/diff"
	"github.com/fraiseql/confiture/pkg/schema"
)

func TestDiffEmitsCreateTableForNewObject(t *testing.T) {
	t.Parallel()

	source := schema.New()

	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, diff.CreateTable, cs.Changes[0].Kind)
	assert.Equal(t, diff.RiskSafe, cs.Changes[0].Risk)
}

func TestDiffEmitsDropTableForRemovedObject(t *testing.T) {
	t.Parallel()

	source := schema.New()
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	target := schema.New()

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)
	require.Len(t, cs.Changes, 1)
	assert.Equal(t, diff.DropTable, cs.Changes[0].Kind)
	assert.Equal(t, diff.RiskDataLoss, cs.Changes[0].Risk)
}

func TestDiffOrdersTableBeforeColumn(t *testing.T) {
	t.Parallel()

	source := schema.New()

	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "email", Parent: "users", DDL: "email text", ColumnType: "text"}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)
	require.Len(t, cs.Changes, 2)
	assert.Equal(t, diff.CreateTable, cs.Changes[0].Kind)
	assert.Equal(t, diff.AddColumn, cs.Changes[1].Kind)
}

func TestDiffOrdersForeignKeyAfterReferencedTable(t *testing.T) {
	t.Parallel()

	source := schema.New()

	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "orders", DDL: "CREATE TABLE app.orders (id uuid)"}))
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, target.Add(&schema.Object{
		Kind: schema.KindConstraint, Schema: "app", Name: "fk_user", Parent: "orders",
		DDL: "ALTER TABLE app.orders ADD CONSTRAINT fk_user FOREIGN KEY (user_id) REFERENCES app.users(id)",
		References: &schema.Reference{Table: "users"},
	}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)

	var usersIdx, fkIdx int
	for i, c := range cs.Changes {
		if c.Key.Kind == schema.KindTable && c.Key.Name == "users" {
			usersIdx = i
		}
		if c.Key.Kind == schema.KindConstraint && c.Key.Name == "fk_user" {
			fkIdx = i
		}
	}
	assert.Less(t, usersIdx, fkIdx)
}

func TestDiffDetectsColumnTypeChange(t *testing.T) {
	t.Parallel()

	source := schema.New()
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "age", Parent: "users", DDL: "age integer", ColumnType: "integer"}))

	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "age", Parent: "users", DDL: "age bigint", ColumnType: "bigint"}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)

	var found bool
	for _, c := range cs.Changes {
		if c.Kind == diff.AlterColumnType {
			found = true
			assert.Equal(t, diff.RiskLocking, c.Risk)
		}
	}
	assert.True(t, found)
}

func TestDiffClassifiesNarrowingColumnTypeChangeAsDataLoss(t *testing.T) {
	t.Parallel()

	source := schema.New()
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "age", Parent: "users", DDL: "age bigint", ColumnType: "bigint"}))

	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "age", Parent: "users", DDL: "age smallint", ColumnType: "smallint"}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)

	var found bool
	for _, c := range cs.Changes {
		if c.Kind == diff.AlterColumnType {
			found = true
			assert.Equal(t, diff.RiskDataLoss, c.Risk)
		}
	}
	assert.True(t, found)
}

func TestDiffClassifiesUnrelatedColumnTypeChangeAsDataLoss(t *testing.T) {
	t.Parallel()

	source := schema.New()
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, source.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "notes", Parent: "users", DDL: "notes text", ColumnType: "text"}))

	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindColumn, Schema: "app", Name: "notes", Parent: "users", DDL: "notes integer", ColumnType: "integer"}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)

	var found bool
	for _, c := range cs.Changes {
		if c.Kind == diff.AlterColumnType {
			found = true
			assert.Equal(t, diff.RiskDataLoss, c.Risk)
		}
	}
	assert.True(t, found)
}

func TestDiffNoChangesForIdenticalStates(t *testing.T) {
	t.Parallel()

	build := func() *schema.State {
		s := schema.New()
		_ = s.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"})
		return s
	}

	cs, err := diff.Diff(build(), build(), nil)
	require.NoError(t, err)
	assert.Empty(t, cs.Changes)
}

func TestDiffDegradedConfidenceWithoutStats(t *testing.T) {
	t.Parallel()

	source := schema.New()
	target := schema.New()
	require.NoError(t, target.Add(&schema.Object{Kind: schema.KindTable, Schema: "app", Name: "users", DDL: "CREATE TABLE app.users (id uuid)"}))

	cs, err := diff.Diff(source, target, nil)
	require.NoError(t, err)
	assert.Equal(t, "unknown", cs.Changes[0].LockClass)
}
