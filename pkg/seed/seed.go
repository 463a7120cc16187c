// SPDX-License-Identifier: Apache-2.0

// Package seed implements the Seed Applier and Seed Validator (spec
// §4.9): applying seed SQL files in declared order, and validating a
// seed tree against the target schema's own constraints before it is
// ever applied for real.
package seed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/lib/pq"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/parser"
)

// RequiredTable names a table the Completeness check expects to be
// non-empty once seeding finishes.
type RequiredTable struct {
	Schema string
	Name   string
}

// Applier executes seed files in declared order, after migrations are
// up to date.
type Applier struct {
	conn db.DB
}

// NewApplier returns an Applier backed by conn.
func NewApplier(conn db.DB) *Applier {
	return &Applier{conn: conn}
}

// Apply runs every statement in every file under root, in the order
// loadOrder declares, inside a single transaction: either the whole
// seed tree lands or none of it does.
func (a *Applier) Apply(ctx context.Context, root fs.FS, loadOrder []string) error {
	files, err := parser.OrderedFiles(root, loadOrder)
	if err != nil {
		return err
	}

	return a.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, file := range files {
			if err := execFile(ctx, tx, root, file); err != nil {
				return err
			}
		}
		return nil
	})
}

func execFile(ctx context.Context, tx *sql.Tx, root fs.FS, file string) error {
	raw, err := fs.ReadFile(root, file)
	if err != nil {
		return confiturerr.ParseError{File: file, Reason: err.Error()}
	}
	stmts, err := parser.SplitStatements(string(raw))
	if err != nil {
		return confiturerr.ParseError{File: file, Reason: err.Error()}
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.Text); err != nil {
			return confiturerr.ParseError{File: file, Line: stmt.Line, Reason: err.Error()}
		}
	}
	return nil
}

// Validator replays a seed tree inside a transaction that is always
// rolled back (the same discipline as the Safety Pipeline's Dry-Run
// Executor), translating any constraint violation Postgres itself
// raises into a Violation — foreign key closure, uniqueness, and NOT
// NULL are enforced by the database's own catalog, so the validator
// does not reimplement them in Go.
type Validator struct {
	conn db.DB
}

// NewValidator returns a Validator backed by conn.
func NewValidator(conn db.DB) *Validator {
	return &Validator{conn: conn}
}

// errValidationComplete forces the dry-run transaction to roll back
// even when every seed file replayed cleanly.
var errValidationComplete = errors.New("seed validation complete: discarding transaction")

// Validate replays root's seed files (in loadOrder) inside a rolled-back
// transaction and reports every constraint violation encountered, plus
// a completeness check against required.
func (v *Validator) Validate(ctx context.Context, root fs.FS, loadOrder []string, required []RequiredTable) ([]confiturerr.Violation, error) {
	files, err := parser.OrderedFiles(root, loadOrder)
	if err != nil {
		return nil, err
	}

	var violations []confiturerr.Violation

	err = v.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT confiture_seed_validate"); err != nil {
			return err
		}

		for _, file := range files {
			raw, err := fs.ReadFile(root, file)
			if err != nil {
				return confiturerr.ParseError{File: file, Reason: err.Error()}
			}
			stmts, err := parser.SplitStatements(string(raw))
			if err != nil {
				return confiturerr.ParseError{File: file, Reason: err.Error()}
			}
			for _, stmt := range stmts {
				if _, execErr := tx.ExecContext(ctx, stmt.Text); execErr != nil {
					v, ok := violationFromError(file, stmt.Line, execErr)
					if !ok {
						tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_seed_validate")
						return confiturerr.ParseError{File: file, Line: stmt.Line, Reason: execErr.Error()}
					}
					violations = append(violations, v)
					tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_seed_validate")
					if _, err := tx.ExecContext(ctx, "SAVEPOINT confiture_seed_validate"); err != nil {
						return err
					}
					continue
				}
			}
		}

		for _, rt := range required {
			var count int64
			row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s.%s", pq.QuoteIdentifier(rt.Schema), pq.QuoteIdentifier(rt.Name)))
			if err := row.Scan(&count); err != nil {
				return err
			}
			if count == 0 {
				violations = append(violations, confiturerr.Violation{
					Table:    rt.Schema + "." + rt.Name,
					Kind:     "completeness",
					Severity: "error",
					Message:  fmt.Sprintf("required table %s.%s has no seed rows", rt.Schema, rt.Name),
				})
			}
		}

		tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_seed_validate")
		return errValidationComplete
	})
	if err != nil && err != errValidationComplete {
		return violations, err
	}

	return violations, nil
}

// violationFromError translates a pq.Error raised while replaying seed
// SQL into a Violation, if it names one of the three constraint classes
// the validator reports on. Errors outside that set are not
// Violations — they abort validation outright.
func violationFromError(file string, line int, err error) (confiturerr.Violation, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return confiturerr.Violation{}, false
	}

	var kind string
	switch pqErr.Code.Name() {
	case "foreign_key_violation":
		kind = "foreign-key-closure"
	case "unique_violation":
		kind = "uniqueness"
	case "not_null_violation":
		kind = "not-null"
	default:
		return confiturerr.Violation{}, false
	}

	return confiturerr.Violation{
		File:     file,
		Line:     line,
		Table:    pqErr.Table,
		Column:   pqErr.Column,
		Kind:     kind,
		Severity: "error",
		Message:  pqErr.Message,
	}, true
}

// EnvironmentCounts maps table name to row count for one seed root.
type EnvironmentCounts map[string]int64

// CompareEnvironments dry-runs each named seed root in turn (rolled
// back, never committed) and reports per-table row-count divergence
// across environments (spec §4.9 "Cross-environment").
func (v *Validator) CompareEnvironments(ctx context.Context, roots map[string]fs.FS, loadOrder []string, tables []RequiredTable) (map[string]EnvironmentCounts, []confiturerr.Violation, error) {
	counts := make(map[string]EnvironmentCounts, len(roots))

	for envName, root := range roots {
		envCounts := make(EnvironmentCounts, len(tables))
		err := v.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT confiture_seed_env"); err != nil {
				return err
			}

			files, err := parser.OrderedFiles(root, loadOrder)
			if err != nil {
				return err
			}
			for _, file := range files {
				if err := execFile(ctx, tx, root, file); err != nil {
					return err
				}
			}

			for _, t := range tables {
				var n int64
				row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s.%s", pq.QuoteIdentifier(t.Schema), pq.QuoteIdentifier(t.Name)))
				if err := row.Scan(&n); err != nil {
					return err
				}
				envCounts[t.Schema+"."+t.Name] = n
			}

			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_seed_env")
			return errValidationComplete
		})
		if err != nil && err != errValidationComplete {
			return nil, nil, fmt.Errorf("environment %q: %w", envName, err)
		}
		counts[envName] = envCounts
	}

	var violations []confiturerr.Violation
	for _, t := range tables {
		key := t.Schema + "." + t.Name
		var baseline int64
		baselineSet := false
		for env, c := range counts {
			if !baselineSet {
				baseline = c[key]
				baselineSet = true
				continue
			}
			if c[key] != baseline {
				violations = append(violations, confiturerr.Violation{
					Table:    key,
					Kind:     "cross-environment",
					Severity: "warning",
					Message:  fmt.Sprintf("row count for %s diverges across environments (environment %q has %d)", key, env, c[key]),
				})
			}
		}
	}

	return counts, violations, nil
}
