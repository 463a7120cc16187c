// SPDX-License-Identifier: Apache-2.0

package coordinate_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/internal/testutils"
	"github.com/fraiseql/confiture/pkg/coordinate"
	"github.com/fraiseql/confiture/pkg/db"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestRegisterDetectsAddColumnCollision(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		reg := coordinate.New(rdb, "public")
		require.NoError(t, reg.EnsureSchema(ctx))

		objs := []coordinate.ObjectRef{{Schema: "public", Table: "widgets", Column: "sku"}}
		_, conflicts, err := reg.Register(ctx, "agent-a", "branch-a", objs, coordinate.OpAddColumn)
		require.NoError(t, err)
		require.Empty(t, conflicts)

		_, conflicts, err = reg.Register(ctx, "agent-b", "branch-b", objs, coordinate.OpAddColumn)
		require.NoError(t, err)
		require.NotEmpty(t, conflicts)
	})
}

func TestRegisterAllowsDisjointAddColumns(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		reg := coordinate.New(rdb, "public")
		require.NoError(t, reg.EnsureSchema(ctx))

		_, conflicts, err := reg.Register(ctx, "agent-a", "branch-a",
			[]coordinate.ObjectRef{{Schema: "public", Table: "widgets", Column: "sku"}}, coordinate.OpAddColumn)
		require.NoError(t, err)
		require.Empty(t, conflicts)

		_, conflicts, err = reg.Register(ctx, "agent-b", "branch-b",
			[]coordinate.ObjectRef{{Schema: "public", Table: "widgets", Column: "price"}}, coordinate.OpAddColumn)
		require.NoError(t, err)
		require.Empty(t, conflicts)
	})
}

func TestDropColumnConflictsWithEverything(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		reg := coordinate.New(rdb, "public")
		require.NoError(t, reg.EnsureSchema(ctx))

		objs := []coordinate.ObjectRef{{Schema: "public", Table: "widgets", Column: "sku"}}
		_, _, err := reg.Register(ctx, "agent-a", "branch-a", objs, coordinate.OpRead)
		require.NoError(t, err)

		_, conflicts, err := reg.Register(ctx, "agent-b", "branch-b", objs, coordinate.OpDropColumn)
		require.NoError(t, err)
		require.NotEmpty(t, conflicts)
	})
}

func TestTransitionEnforcesLegalGraph(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		reg := coordinate.New(rdb, "public")
		require.NoError(t, reg.EnsureSchema(ctx))

		intent, _, err := reg.Register(ctx, "agent-a", "branch-a",
			[]coordinate.ObjectRef{{Schema: "public", Table: "widgets", Column: "sku"}}, coordinate.OpAddColumn)
		require.NoError(t, err)

		require.Error(t, reg.Transition(ctx, intent.ID, coordinate.StateCompleted))
		require.NoError(t, reg.Transition(ctx, intent.ID, coordinate.StateInProgress))
		require.NoError(t, reg.Transition(ctx, intent.ID, coordinate.StateCompleted))
		require.Error(t, reg.Transition(ctx, intent.ID, coordinate.StateAbandoned))
	})
}

func TestSweepAbandonsStaleIntents(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		reg := coordinate.New(rdb, "public")
		require.NoError(t, reg.EnsureSchema(ctx))

		intent, _, err := reg.Register(ctx, "agent-a", "branch-a",
			[]coordinate.ObjectRef{{Schema: "public", Table: "widgets", Column: "sku"}}, coordinate.OpAddColumn)
		require.NoError(t, err)

		_, err = conn.ExecContext(ctx, `UPDATE tb_intent SET last_touched_at = now() - interval '1 hour' WHERE id = $1`, intent.ID)
		require.NoError(t, err)

		n, err := reg.Sweep(ctx, time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		list, err := reg.List(ctx, coordinate.Filter{State: coordinate.StateAbandoned})
		require.NoError(t, err)
		require.Len(t, list, 1)
	})
}
