// SPDX-License-Identifier: Apache-2.0

// Package store is the migration ledger: the process-wide, transactional
// record of which migrations have ever been attempted against a target
// database (table tb_confiture, spec §4.3).
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/migrations"
)

// advisoryLockKey serialises ledger-table creation (EnsureSchema) against
// a given target database, the same way pgroll's state package guards its
// own migrations table — an arbitrary constant distinct from pgroll's, so
// the two systems could in principle coexist in one database. Applying
// and rolling back migrations is serialised by pkg/engine's own lock.
const advisoryLockKey int64 = 0x636f6e666974

const sqlInit = `
CREATE TABLE IF NOT EXISTS %[1]s.tb_confiture (
	pk_confiture	BIGSERIAL PRIMARY KEY,
	id				UUID NOT NULL UNIQUE,
	slug			TEXT NOT NULL UNIQUE,
	forward_sql		TEXT NOT NULL,
	inverse_sql		TEXT,
	checksum		BYTEA NOT NULL,
	applied_at		TIMESTAMPTZ NOT NULL DEFAULT now(),
	applied_by		TEXT
);

CREATE INDEX IF NOT EXISTS tb_confiture_applied_at_idx ON %[1]s.tb_confiture (applied_at);
`

// Store is the ledger, scoped to one schema in the target database.
type Store struct {
	conn   db.DB
	schema string
}

// New returns a ledger backed by conn, recording into schemaName.
func New(conn db.DB, schemaName string) *Store {
	if schemaName == "" {
		schemaName = "public"
	}
	return &Store{conn: conn, schema: schemaName}
}

// EnsureSchema idempotently creates the ledger table on first run. It
// never alters an existing tb_confiture except through a confiture
// migration of its own.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
			return fmt.Errorf("acquiring ledger advisory lock: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(sqlInit, pq.QuoteIdentifier(s.schema))); err != nil {
			return fmt.Errorf("creating ledger schema: %w", err)
		}
		return nil
	})
}

// AppliedRecord is one row of the ledger.
type AppliedRecord struct {
	Slug       string
	Checksum   []byte
	AppliedAt  time.Time
	AppliedBy  string
}

// Applied returns every migration slug the ledger has recorded, ordered
// by pk_confiture — the strict, gapless application order (spec §3).
func (s *Store) Applied(ctx context.Context) ([]AppliedRecord, error) {
	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(
		"SELECT slug, checksum, applied_at, applied_by FROM %s.tb_confiture ORDER BY pk_confiture",
		pq.QuoteIdentifier(s.schema)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppliedRecord
	for rows.Next() {
		var r AppliedRecord
		var appliedBy sql.NullString
		if err := rows.Scan(&r.Slug, &r.Checksum, &r.AppliedAt, &appliedBy); err != nil {
			return nil, err
		}
		r.AppliedBy = appliedBy.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Pending returns the subset of onDisk (ordered by slug) not yet present
// in the ledger.
func (s *Store) Pending(ctx context.Context, onDisk []*migrations.Migration) ([]*migrations.Migration, error) {
	applied, err := s.Applied(ctx)
	if err != nil {
		return nil, err
	}

	appliedSlugs := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedSlugs[a.Slug] = true
	}

	var pending []*migrations.Migration
	for _, m := range onDisk {
		if !appliedSlugs[m.Slug] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// RecordApplied inserts the ledger row for m inside tx — the caller is
// expected to be inside the same transaction that executed the
// migration's forward SQL, so the DDL and the ledger write commit or
// roll back together.
func (s *Store) RecordApplied(ctx context.Context, tx *sql.Tx, m *migrations.Migration, agent string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s.tb_confiture (id, slug, forward_sql, inverse_sql, checksum, applied_by) VALUES ($1, $2, $3, $4, $5, $6)",
		pq.QuoteIdentifier(s.schema)),
		m.ID, m.Slug, m.ForwardSQL, nullIfEmpty(m.InverseSQL), m.Checksum(), agent)
	return err
}

// VerifyChecksum fails with confiturerr.ChecksumMismatch if m's current
// on-disk forward SQL no longer matches what the ledger recorded when it
// was applied.
func (s *Store) VerifyChecksum(ctx context.Context, m *migrations.Migration) error {
	var recorded []byte
	row := s.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT checksum FROM %s.tb_confiture WHERE slug = $1", pq.QuoteIdentifier(s.schema)), m.Slug)
	if scanErr := row.Scan(&recorded); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return nil // not yet applied: nothing to verify against
		}
		return scanErr
	}

	current := m.Checksum()
	if !bytes.Equal(recorded, current) {
		return confiturerr.ChecksumMismatch{
			Slug:     m.Slug,
			Expected: recorded,
			Actual:   current,
		}
	}
	return nil
}

// Rollback executes m's inverse SQL in a transaction and deletes the
// ledger row. It fails cleanly (without touching the database) if the
// migration has no recorded inverse.
func (s *Store) Rollback(ctx context.Context, m *migrations.Migration) error {
	if m.InverseSQL == "" {
		return fmt.Errorf("migration %q has no inverse SQL: cannot roll back", m.Slug)
	}
	return s.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.InverseSQL); err != nil {
			return fmt.Errorf("applying inverse SQL for %q: %w", m.Slug, err)
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s.tb_confiture WHERE slug = $1", pq.QuoteIdentifier(s.schema)), m.Slug)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("migration %q not present in ledger", m.Slug)
		}
		return nil
	})
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ChecksumHex is a convenience for log/output formatting.
func ChecksumHex(b []byte) string {
	return hex.EncodeToString(b)
}
