// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/internal/testutils"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/migrations"
	"github.com/fraiseql/confiture/pkg/store"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		s := store.New(rdb, "public")

		require.NoError(t, s.EnsureSchema(ctx))
		require.NoError(t, s.EnsureSchema(ctx)) // re-running must not error
	})
}

func TestLedgerLifecycle(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		s := store.New(rdb, "public")
		require.NoError(t, s.EnsureSchema(ctx))

		m := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "001_create_widgets",
			ForwardSQL: "CREATE TABLE IF NOT EXISTS widgets (id uuid PRIMARY KEY)",
			InverseSQL: "DROP TABLE IF EXISTS widgets",
		}

		pending, err := s.Pending(ctx, []*migrations.Migration{m})
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		err = rdb.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.ForwardSQL); err != nil {
				return err
			}
			return s.RecordApplied(ctx, tx, m, "test-agent")
		})
		require.NoError(t, err)

		pending, err = s.Pending(ctx, []*migrations.Migration{m})
		require.NoError(t, err)
		assert.Empty(t, pending)

		require.NoError(t, s.VerifyChecksum(ctx, m))

		tampered := &migrations.Migration{Slug: m.Slug, ForwardSQL: m.ForwardSQL + " -- edited"}
		assert.Error(t, s.VerifyChecksum(ctx, tampered))

		require.NoError(t, s.Rollback(ctx, m))

		pending, err = s.Pending(ctx, []*migrations.Migration{m})
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestRollbackWithoutInverseFailsCleanly(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, connStr string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		s := store.New(rdb, "public")
		require.NoError(t, s.EnsureSchema(ctx))

		m := &migrations.Migration{ID: uuid.New(), Slug: "no_inverse", ForwardSQL: "SELECT 1"}
		err := rdb.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			return s.RecordApplied(ctx, tx, m, "test-agent")
		})
		require.NoError(t, err)

		assert.Error(t, s.Rollback(ctx, m))
	})
}
