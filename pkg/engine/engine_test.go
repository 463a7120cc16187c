// SPDX-License-Identifier: Apache-2.0

package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/internal/testutils"
	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/engine"
	"github.com/fraiseql/confiture/pkg/migrations"
	"github.com/fraiseql/confiture/pkg/safety"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestUpAppliesMigrationAndRecordsLedger(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		e := engine.New(rdb, "public")

		m := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "001_create_widgets",
			ForwardSQL: "CREATE TABLE widgets (id uuid PRIMARY KEY)",
			InverseSQL: "DROP TABLE widgets",
		}

		require.NoError(t, e.Up(ctx, []*migrations.Migration{m}, "", nil))

		st, err := e.Status(ctx, []*migrations.Migration{m})
		require.NoError(t, err)
		assert.Empty(t, st.Pending)
		require.Len(t, st.Applied, 1)
		assert.Equal(t, m.Slug, st.Applied[0].Slug)
	})
}

func TestUpBlocksOnDataLossFindingWithoutForce(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		setup := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "001_create_widgets",
			ForwardSQL: "CREATE TABLE widgets (id uuid PRIMARY KEY)",
		}
		e := engine.New(rdb, "public")
		require.NoError(t, e.Up(ctx, []*migrations.Migration{setup}, "", nil))

		drop := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "002_drop_widgets",
			ForwardSQL: "DROP TABLE widgets",
		}

		pipeline := safety.New(rdb)
		err := e.Up(ctx, []*migrations.Migration{setup, drop}, "", pipeline)
		require.Error(t, err)

		var safetyErr confiturerr.SafetyError
		require.ErrorAs(t, err, &safetyErr)
		var sawDataLoss bool
		for _, f := range safetyErr.Findings {
			if f.Rule == "impact-analyser" && f.Severity == "error" {
				sawDataLoss = true
			}
		}
		assert.True(t, sawDataLoss)

		st, err := e.Status(ctx, []*migrations.Migration{setup, drop})
		require.NoError(t, err)
		assert.Len(t, st.Pending, 1, "the blocked migration must not have been applied")
	})
}

func TestUpForceOverridesDataLossFinding(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		setup := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "001_create_widgets",
			ForwardSQL: "CREATE TABLE widgets (id uuid PRIMARY KEY)",
		}
		e := engine.New(rdb, "public")
		require.NoError(t, e.Up(ctx, []*migrations.Migration{setup}, "", nil))

		drop := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "002_drop_widgets",
			ForwardSQL: "DROP TABLE widgets",
		}

		pipeline := safety.New(rdb)
		e.Force = true
		require.NoError(t, e.Up(ctx, []*migrations.Migration{setup, drop}, "", pipeline))

		st, err := e.Status(ctx, []*migrations.Migration{setup, drop})
		require.NoError(t, err)
		assert.Empty(t, st.Pending)
	})
}

func TestUpReportsApplyErrorNotDryRunErrorOnForwardSQLFailure(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		e := engine.New(rdb, "public")

		m := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "001_broken",
			ForwardSQL: "ALTER TABLE does_not_exist ADD COLUMN x int",
		}

		err := e.Up(ctx, []*migrations.Migration{m}, "", nil)
		require.Error(t, err)

		var applyErr confiturerr.ApplyError
		assert.True(t, errors.As(err, &applyErr), "expected confiturerr.ApplyError, got %T: %v", err, err)

		var dryRunErr confiturerr.DryRunError
		assert.False(t, errors.As(err, &dryRunErr), "a real apply failure must not be reported as a dry-run error")
	})
}

func TestHookExceedingItsTimeoutBudgetFailsTheMigration(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		slowHook := func(ctx context.Context, tx *sql.Tx, hook migrations.HookDescriptor) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
				return nil
			}
		}

		e := engine.New(rdb, "public", engine.WithHookRunner(slowHook))

		m := &migrations.Migration{
			ID:         uuid.New(),
			Slug:       "001_slow_hook",
			ForwardSQL: "CREATE TABLE widgets (id uuid PRIMARY KEY)",
			Hooks: []migrations.HookDescriptor{
				{ID: "notify", Phase: migrations.PhaseBeforeDDL, TimeoutSeconds: 1},
			},
		}

		err := e.Up(ctx, []*migrations.Migration{m}, "", nil)
		require.Error(t, err)

		var hookErr confiturerr.HookError
		require.ErrorAs(t, err, &hookErr)
		assert.Equal(t, "notify", hookErr.Hook)

		st, statusErr := e.Status(ctx, []*migrations.Migration{m})
		require.NoError(t, statusErr)
		assert.Len(t, st.Pending, 1, "a migration whose hook times out must not be recorded as applied")
	})
}
