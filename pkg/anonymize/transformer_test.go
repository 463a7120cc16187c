// SPDX-License-Identifier: Apache-2.0

package anonymize_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/internal/testutils"
	"github.com/fraiseql/confiture/pkg/anonymize"
	"github.com/fraiseql/confiture/pkg/db"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestTransformerSyncsRowsInBatches(t *testing.T) {
	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		t.Setenv("CONFITURE_TEST_SEED", "fixed-seed-for-tests")

		require.NoError(t, execAll(ctx, rdb,
			`CREATE TABLE src_customers (id serial primary key, email text)`,
		))
		for i := 0; i < 5; i++ {
			_, err := rdb.ExecContext(ctx, `INSERT INTO src_customers (email) VALUES ($1)`, fmt.Sprintf("user%d@example.com", i))
			require.NoError(t, err)
		}

		policy := &anonymize.Policy{GlobalSeedEnv: "CONFITURE_TEST_SEED"}
		rules := []anonymize.Rule{{Table: "src_customers", Column: "email", Strategy: anonymize.StrategyEmailMask}}

		// The transformer writes into a table of the same name on the
		// target, so the target is a separate database.
		testutils.WithConnectionToContainer(t, func(targetConn *sql.DB, _ string) {
			target := &db.RDB{DB: targetConn}
			require.NoError(t, execAll(ctx, target,
				`CREATE TABLE src_customers (id int primary key, email text)`,
			))

			tr := anonymize.NewTransformer(rdb, target, policy)
			tr.BatchSize = 2
			tr.WorkerCount = 2

			counts, err := tr.Sync(ctx, []anonymize.Table{
				{Name: "src_customers", PrimaryKey: "id", Rules: rules},
			})
			require.NoError(t, err)
			require.EqualValues(t, 5, counts["src_customers"])
		})
	})
}

func TestTransformerFailsOnUnresolvedSeed(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		require.NoError(t, execAll(ctx, rdb,
			`CREATE TABLE src_accounts (id serial primary key, ssn text)`,
			`CREATE TABLE dst_accounts (id int primary key, ssn text)`,
		))
		_, err := rdb.ExecContext(ctx, `INSERT INTO src_accounts (ssn) VALUES ('123-45-6789')`)
		require.NoError(t, err)

		policy := &anonymize.Policy{} // no global_seed_env, no override
		rules := []anonymize.Rule{{Table: "src_accounts", Column: "ssn", Strategy: anonymize.StrategyHash}}

		tr := anonymize.NewTransformer(rdb, rdb, policy)

		_, err = tr.Sync(ctx, []anonymize.Table{
			{Name: "src_accounts", PrimaryKey: "id", Rules: rules},
		})
		require.Error(t, err)
	})
}

func execAll(ctx context.Context, conn db.DB, stmts ...string) error {
	for _, s := range stmts {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
