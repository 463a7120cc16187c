// SPDX-License-Identifier: Apache-2.0

package anonymize

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
)

// Table names the source/target pair and the ordered rules covering it.
type Table struct {
	Name         string
	PrimaryKey   string
	Rules        []Rule
	// DependsOn lists tables that must be synced before this one, so
	// referenced rows exist before referencing rows (spec §4.6).
	DependsOn []string
}

// BatchSize is the number of rows read and written per batch. Callers
// may override it; zero falls back to DefaultBatchSize.
const DefaultBatchSize = 1000

// Transformer streams rows from source tables into target tables,
// applying each table's rules, batch by batch, in dependency order.
type Transformer struct {
	source   db.DB
	target   db.DB
	registry *Registry
	policy   *Policy

	BatchSize   int
	WorkerCount int
}

// NewTransformer returns a Transformer reading from source and writing
// into target, under policy.
func NewTransformer(source, target db.DB, policy *Policy) *Transformer {
	return &Transformer{
		source:      source,
		target:      target,
		registry:    NewRegistry(),
		policy:      policy,
		BatchSize:   DefaultBatchSize,
		WorkerCount: 4,
	}
}

// Sync runs the full pipeline over tables, which must already be in
// dependency order (topologically sorted by the caller from
// Table.DependsOn) so that referenced rows exist before referencing
// rows. Returns the count of rows synced per table.
func (t *Transformer) Sync(ctx context.Context, tables []Table) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, tbl := range tables {
		n, err := t.syncTable(ctx, tbl)
		if err != nil {
			return counts, confiturerr.AnonymisationError{
				PolicyHash: t.policy.IntegrityHash(),
				Table:      tbl.Name,
				Err:        err,
			}
		}
		counts[tbl.Name] = n
	}
	return counts, nil
}

func (t *Transformer) syncTable(ctx context.Context, tbl Table) (int64, error) {
	batchSize := t.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ruleByColumn := make(map[string]Rule, len(tbl.Rules))
	for _, r := range tbl.Rules {
		ruleByColumn[r.Column] = r
	}

	var total int64
	var lastPK any
	batchIndex := 0

	for {
		rows, cols, err := t.fetchBatch(ctx, tbl, lastPK, batchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			break
		}

		transformed, err := t.transformBatch(ctx, tbl, ruleByColumn, cols, rows, batchIndex)
		if err != nil {
			return total, err
		}

		if err := t.writeBatch(ctx, tbl, cols, transformed); err != nil {
			return total, err
		}

		total += int64(len(rows))
		lastPK = rows[len(rows)-1][indexOf(cols, tbl.PrimaryKey)]
		batchIndex++

		if len(rows) < batchSize {
			break
		}
	}

	return total, nil
}

func (t *Transformer) fetchBatch(ctx context.Context, tbl Table, after any, limit int) ([][]any, []string, error) {
	query := fmt.Sprintf("SELECT * FROM %s", pq.QuoteIdentifier(tbl.Name))
	args := []any{}
	if after != nil {
		query += fmt.Sprintf(" WHERE %s > $1", pq.QuoteIdentifier(tbl.PrimaryKey))
		args = append(args, after)
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT %d", pq.QuoteIdentifier(tbl.PrimaryKey), limit)

	rows, err := t.source.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return out, cols, rows.Err()
}

// transformBatch applies each row's rules concurrently across a bounded
// worker pool (errgroup), preserving row order in the output so the
// write-back stays sorted by primary key.
func (t *Transformer) transformBatch(ctx context.Context, tbl Table, rules map[string]Rule, cols []string, rows [][]any, batchIndex int) ([][]any, error) {
	out := make([][]any, len(rows))
	g, gctx := errgroup.WithContext(ctx)

	workers := t.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	for i, row := range rows {
		i, row := i, row
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			transformed, err := t.transformRow(cols, row, rules)
			if err != nil {
				return confiturerr.AnonymisationError{
					PolicyHash: t.policy.IntegrityHash(),
					Table:      tbl.Name,
					BatchIndex: batchIndex,
					Err:        err,
				}
			}
			out[i] = transformed
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Transformer) transformRow(cols []string, row []any, rules map[string]Rule) ([]any, error) {
	rowMap := make(map[string]any, len(cols))
	for i, c := range cols {
		rowMap[c] = row[i]
	}

	out := make([]any, len(row))
	copy(out, row)

	for i, col := range cols {
		rule, ok := rules[col]
		if !ok || row[i] == nil {
			continue
		}
		seed, err := ResolveSeed(t.policy, rule)
		if err != nil {
			return nil, err
		}
		str := fmt.Sprintf("%v", row[i])
		result, err := t.registry.Transform(rule, str, seed, rowMap)
		if err != nil {
			return nil, fmt.Errorf("transforming %s.%s: %w", rule.Table, rule.Column, err)
		}
		out[i] = result
	}
	return out, nil
}

func (t *Transformer) writeBatch(ctx context.Context, tbl Table, cols []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = pq.QuoteIdentifier(c)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(tbl.Name), strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	return t.target.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, row := range rows {
			if _, err := tx.ExecContext(ctx, stmt, row...); err != nil {
				return err
			}
		}
		return nil
	})
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
