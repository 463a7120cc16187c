// SPDX-License-Identifier: Apache-2.0

package seed_test

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/internal/testutils"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/seed"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func setupSchema(t *testing.T, ctx context.Context, rdb *db.RDB) {
	t.Helper()
	_, err := rdb.ExecContext(ctx, `
		CREATE TABLE customers (id uuid PRIMARY KEY, email text NOT NULL UNIQUE);
		CREATE TABLE orders (id uuid PRIMARY KEY, customer_id uuid NOT NULL REFERENCES customers(id));
	`)
	require.NoError(t, err)
}

func TestApplierAppliesFilesInOrder(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		setupSchema(t, ctx, rdb)

		root := fstest.MapFS{
			"001_customers.sql": &fstest.MapFile{Data: []byte(
				`INSERT INTO customers (id, email) VALUES ('11111111-1111-1111-1111-111111111111', 'a@example.com');`)},
			"002_orders.sql": &fstest.MapFile{Data: []byte(
				`INSERT INTO orders (id, customer_id) VALUES ('22222222-2222-2222-2222-222222222222', '11111111-1111-1111-1111-111111111111');`)},
		}

		applier := seed.NewApplier(rdb)
		require.NoError(t, applier.Apply(ctx, root, []string{"001_*.sql", "002_*.sql"}))

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM orders").Scan(&count))
		require.Equal(t, 1, count)
	})
}

func TestValidatorReportsForeignKeyViolation(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		setupSchema(t, ctx, rdb)

		root := fstest.MapFS{
			"001_orders.sql": &fstest.MapFile{Data: []byte(
				`INSERT INTO orders (id, customer_id) VALUES ('22222222-2222-2222-2222-222222222222', '99999999-9999-9999-9999-999999999999');`)},
		}

		validator := seed.NewValidator(rdb)
		violations, err := validator.Validate(ctx, root, nil, nil)
		require.NoError(t, err)
		require.NotEmpty(t, violations)
		require.Equal(t, "foreign-key-closure", violations[0].Kind)

		var count int
		require.NoError(t, conn.QueryRowContext(ctx, "SELECT count(*) FROM orders").Scan(&count))
		require.Equal(t, 0, count, "validation must never commit any row")
	})
}

func TestValidatorReportsCompletenessViolation(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		setupSchema(t, ctx, rdb)

		root := fstest.MapFS{}
		validator := seed.NewValidator(rdb)
		violations, err := validator.Validate(ctx, root, nil, []seed.RequiredTable{{Schema: "public", Name: "customers"}})
		require.NoError(t, err)
		require.Len(t, violations, 1)
		require.Equal(t, "completeness", violations[0].Kind)
	})
}
