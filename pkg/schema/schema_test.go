// SPDX-License-Identifier: Apache-2.0

package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/pkg/schema"
)

func TestFingerprintIgnoresInsertionOrder(t *testing.T) {
	t.Parallel()

	a := schema.New()
	require.NoError(t, a.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid)"}))
	require.NoError(t, a.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "orders", DDL: "CREATE TABLE orders (id uuid)"}))

	b := schema.New()
	require.NoError(t, b.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "orders", DDL: "CREATE TABLE orders (id uuid)"}))
	require.NoError(t, b.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid)"}))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintIgnoresWhitespaceAndCase(t *testing.T) {
	t.Parallel()

	a := schema.New()
	require.NoError(t, a.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "create   table users (id uuid);"}))

	b := schema.New()
	require.NoError(t, b.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid)"}))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintIgnoresComments(t *testing.T) {
	t.Parallel()

	a := schema.New()
	require.NoError(t, a.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid) -- primary store\n"}))

	b := schema.New()
	require.NoError(t, b.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE /* legacy name kept */ users (id uuid)"}))

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestNormalizeDDLPreservesQuotedCaseAndDollarBodies(t *testing.T) {
	t.Parallel()

	ddl := `CREATE TABLE "MixedCase" (v text DEFAULT 'KeepMe')`
	got := schema.NormalizeDDL(ddl)
	assert.Contains(t, got, `"MixedCase"`)
	assert.Contains(t, got, "'KeepMe'")
	assert.Contains(t, got, "create table")

	fn := "CREATE FUNCTION f() RETURNS void AS $$ SELECT 'KeepMe'; $$ LANGUAGE SQL"
	gotFn := schema.NormalizeDDL(fn)
	assert.Contains(t, gotFn, "$$ SELECT 'KeepMe'; $$")
	assert.Contains(t, gotFn, "language sql")
}

func TestAddCollapsesIdenticalCreateOrReplace(t *testing.T) {
	t.Parallel()

	s := schema.New()
	obj := &schema.Object{Kind: schema.KindFunction, Schema: "public", Name: "f", DDL: "CREATE OR REPLACE FUNCTION f() RETURNS void AS $$ SELECT 1 $$ LANGUAGE sql"}
	require.NoError(t, s.Add(obj))
	require.NoError(t, s.Add(obj))

	assert.Len(t, s.Objects(), 1)
}

func TestAddRejectsConflictingDuplicate(t *testing.T) {
	t.Parallel()

	s := schema.New()
	require.NoError(t, s.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid)"}))
	err := s.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id int)"})
	assert.Error(t, err)
}

func TestFingerprintDifferentForDifferentObjects(t *testing.T) {
	t.Parallel()

	a := schema.New()
	require.NoError(t, a.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid)"}))

	b := schema.New()
	require.NoError(t, b.Add(&schema.Object{Kind: schema.KindTable, Schema: "public", Name: "users", DDL: "CREATE TABLE users (id uuid, email text)"}))

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
