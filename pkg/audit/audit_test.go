// SPDX-License-Identifier: Apache-2.0

package audit_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fraiseql/confiture/internal/testutils"
	"github.com/fraiseql/confiture/pkg/audit"
	"github.com/fraiseql/confiture/pkg/db"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestWriteAndVerifyChain(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		log := audit.New(rdb, "public", []byte("test-hmac-key"))
		require.NoError(t, log.EnsureSchema(ctx))

		for i := 0; i < 3; i++ {
			_, err := log.Write(ctx, audit.WriteRequest{
				Actor:         "test-agent",
				OperationKind: "migration_applied",
				Target:        "001_create_widgets",
				Body:          map[string]any{"slug": "001_create_widgets"},
			})
			require.NoError(t, err)
		}

		require.NoError(t, log.Verify(ctx, 1, 3))
	})
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		log := audit.New(rdb, "public", []byte("test-hmac-key"))
		require.NoError(t, log.EnsureSchema(ctx))

		for i := 0; i < 3; i++ {
			_, err := log.Write(ctx, audit.WriteRequest{
				Actor:         "test-agent",
				OperationKind: "sync_completed",
				Target:        "customers",
				PolicyHash:    "deadbeef",
				Body:          map[string]any{"rows": i},
			})
			require.NoError(t, err)
		}

		require.NoError(t, log.Verify(ctx, 1, 3))

		_, err := conn.ExecContext(ctx, `UPDATE tb_audit_log SET operation_kind = 'tampered' WHERE sequence = 2`)
		require.NoError(t, err)

		err = log.Verify(ctx, 1, 3)
		require.Error(t, err)
	})
}

func TestWriteAssignsMonotonicSequence(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}
		log := audit.New(rdb, "public", []byte("test-hmac-key"))
		require.NoError(t, log.EnsureSchema(ctx))

		first, err := log.Write(ctx, audit.WriteRequest{Actor: "a", OperationKind: "k", Target: "t", Body: map[string]any{}})
		require.NoError(t, err)
		second, err := log.Write(ctx, audit.WriteRequest{Actor: "a", OperationKind: "k", Target: "t", Body: map[string]any{}})
		require.NoError(t, err)

		require.Equal(t, first.Sequence+1, second.Sequence)
		require.Equal(t, first.Signature, second.PreviousHash)
	})
}
