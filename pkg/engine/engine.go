// SPDX-License-Identifier: Apache-2.0

// Package engine is the migration orchestrator: Up, Down, and Status,
// driving a single migration through its eleven-step lifecycle
// (spec §4.4).
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/migrations"
	"github.com/fraiseql/confiture/pkg/parser"
	"github.com/fraiseql/confiture/pkg/safety"
	"github.com/fraiseql/confiture/pkg/store"
)

// engineLockKey guards the whole engine (as distinct from store's
// narrower ledger-table lock), so a Down and an Up against the same
// schema never interleave.
const engineLockKey int64 = 0x636f6e666974 + 1

// defaultHookTimeout bounds every hook invocation; a HookDescriptor's
// TimeoutSeconds can shorten this budget but never extend it.
const defaultHookTimeout = 30 * time.Second

// HookRunner invokes one hook by ID; the engine is agnostic to what a
// hook actually does (notify Slack, refresh a cache, ...).
type HookRunner func(ctx context.Context, tx *sql.Tx, hook migrations.HookDescriptor) error

// Engine orchestrates Up/Down/Status against one target schema.
type Engine struct {
	conn   db.DB
	store  *store.Store
	schema string
	agent  string
	logger migrations.Logger
	runner HookRunner

	// Force, when true, lets Up proceed past a Safety Pipeline finding
	// whose severity is configured fatal (spec §4.4 step 3).
	Force bool
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger overrides the default no-op Logger.
func WithLogger(l migrations.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHookRunner overrides the no-op default hook runner.
func WithHookRunner(r HookRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithAgent records who (which CLI invocation / coordination agent) is
// applying migrations, for the ledger's applied_by column.
func WithAgent(agent string) Option {
	return func(e *Engine) { e.agent = agent }
}

// New returns an Engine targeting schemaName through conn.
func New(conn db.DB, schemaName string, opts ...Option) *Engine {
	e := &Engine{
		conn:   conn,
		store:  store.New(conn, schemaName),
		schema: schemaName,
		logger: migrations.NewNoopLogger(),
		runner: func(ctx context.Context, tx *sql.Tx, hook migrations.HookDescriptor) error { return nil },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// EnsureSchema idempotently creates the ledger table, for callers (the
// status command) that need to query it before any migration has ever
// run Up.
func (e *Engine) EnsureSchema(ctx context.Context) error {
	return e.store.EnsureSchema(ctx)
}

// Status is the result of a Status() call.
type Status struct {
	Applied []store.AppliedRecord
	Pending []*migrations.Migration

	// Diverged lists ledger slugs with no matching on-disk migration.
	Diverged []string
}

// Status returns applied/pending lists and any divergence between the
// ledger and the on-disk migration set.
func (e *Engine) Status(ctx context.Context, onDisk []*migrations.Migration) (*Status, error) {
	applied, err := e.store.Applied(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.Pending(ctx, onDisk)
	if err != nil {
		return nil, err
	}

	onDiskSlugs := make(map[string]bool, len(onDisk))
	for _, m := range onDisk {
		onDiskSlugs[m.Slug] = true
	}
	var diverged []string
	for _, a := range applied {
		if !onDiskSlugs[a.Slug] {
			diverged = append(diverged, a.Slug)
		}
	}

	return &Status{Applied: applied, Pending: pending, Diverged: diverged}, nil
}

// Up applies every pending migration up to and including targetSlug, in
// slug order. An empty targetSlug means "latest" — every pending
// migration. Re-running Up with nothing pending is a no-op.
func (e *Engine) Up(ctx context.Context, onDisk []*migrations.Migration, targetSlug string, pipeline *safety.Pipeline) error {
	if err := e.store.EnsureSchema(ctx); err != nil {
		return err
	}

	pending, err := e.store.Pending(ctx, onDisk)
	if err != nil {
		return err
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Slug < pending[j].Slug })

	if targetSlug != "" {
		cut := -1
		for i, m := range pending {
			if m.Slug == targetSlug {
				cut = i
				break
			}
		}
		if cut == -1 {
			return fmt.Errorf("target migration %q is not pending", targetSlug)
		}
		pending = pending[:cut+1]
	}

	for _, m := range pending {
		if err := e.store.VerifyChecksum(ctx, m); err != nil {
			return err
		}
		if err := e.applyOne(ctx, m, pipeline); err != nil {
			return err
		}
	}

	return nil
}

// applyOne runs the eleven-step lifecycle of spec §4.4 for a single
// migration.
func (e *Engine) applyOne(ctx context.Context, m *migrations.Migration, pipeline *safety.Pipeline) error {
	conn := e.conn.RawConn()

	// Step 1: engine-wide advisory lock, held by lockTx (a transaction of
	// its own, separate from the main transaction opened in step 4) and
	// released when lockTx is rolled back as applyOne returns.
	lockTx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := lockTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", engineLockKey); err != nil {
		lockTx.Rollback()
		return fmt.Errorf("acquiring engine lock: %w", err)
	}
	defer lockTx.Rollback()

	e.logger.LogMigrationStart(m)

	// Step 2: BEFORE_VALIDATION hooks, own transaction.
	if err := e.runHooksInOwnTx(ctx, m, migrations.PhaseBeforeValidation); err != nil {
		return confiturerr.HookError{Hook: "BEFORE_VALIDATION", Phase: string(migrations.PhaseBeforeValidation), Err: err}
	}

	// Step 3: Safety Pipeline. The idempotency/dry-run analysers run
	// against the migration directly; the linter needs a schema.State,
	// so the live pre-migration catalog is introspected here, and the
	// impact analyser classifies the forward SQL statement by statement
	// rather than requiring a precomputed ChangeSet (migrate up only ever
	// has raw forward SQL to work with).
	if pipeline != nil {
		findings, err := pipeline.Run(ctx, m)
		if err != nil {
			return err
		}

		live, err := parser.Introspect(ctx, e.conn, e.schema)
		if err != nil {
			return fmt.Errorf("introspecting schema for safety pipeline: %w", err)
		}
		findings = append(findings, pipeline.RunLinter(live)...)

		impact, err := pipeline.RunImpactSQL(m.ForwardSQL)
		if err != nil {
			return fmt.Errorf("running impact analyser: %w", err)
		}
		findings = append(findings, impact...)

		if fatal := fatalFindings(findings); len(fatal) > 0 && !e.Force {
			return confiturerr.SafetyError{Findings: fatal}
		}
	}

	// Step 4: main transaction.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// Step 5: BEFORE_DDL hooks, each savepointed.
	if err := e.runSavepointedHooks(ctx, tx, m, migrations.PhaseBeforeDDL); err != nil {
		return err
	}

	// Step 6: forward SQL, statement by statement; on failure roll back
	// its savepoint, invoke ON_ERROR hooks, then abort the whole
	// transaction.
	stmts, err := parser.SplitStatements(m.ForwardSQL)
	if err != nil {
		return fmt.Errorf("splitting forward SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT confiture_forward"); err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.Text); err != nil {
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_forward")
			e.runSavepointedHooks(ctx, tx, m, migrations.PhaseOnError) //nolint:errcheck // best effort, the migration is already failing
			return confiturerr.ApplyError{Statement: stmt.Text, Err: err}
		}
	}
	tx.ExecContext(ctx, "RELEASE SAVEPOINT confiture_forward")

	// Step 7: AFTER_DDL hooks.
	if err := e.runSavepointedHooks(ctx, tx, m, migrations.PhaseAfterDDL); err != nil {
		return err
	}

	// Step 8: ledger row.
	if err := e.store.RecordApplied(ctx, tx, m, e.agent); err != nil {
		return fmt.Errorf("recording ledger row: %w", err)
	}

	// Step 9: AFTER_VALIDATION hooks.
	if err := e.runSavepointedHooks(ctx, tx, m, migrations.PhaseAfterValidation); err != nil {
		return err
	}

	// Step 10: commit.
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	e.logger.LogMigrationComplete(m)

	// Step 11: CLEANUP hooks run outside the transaction; failures are
	// logged but never reverse the already-committed migration.
	for _, hook := range m.HooksInPhase(migrations.PhaseCleanup) {
		e.logger.LogHookStart(hook)
		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout(hook))
		err := e.runner(hookCtx, nil, hook)
		cancel()
		if err != nil {
			e.logger.LogHookError(hook, err)
			continue
		}
		e.logger.LogHookComplete(hook)
	}

	return nil
}

func (e *Engine) runHooksInOwnTx(ctx context.Context, m *migrations.Migration, phase migrations.Phase) error {
	hooks := m.HooksInPhase(phase)
	if len(hooks) == 0 {
		return nil
	}
	return e.conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return e.runSavepointedHooks(ctx, tx, m, phase)
	})
}

func (e *Engine) runSavepointedHooks(ctx context.Context, tx *sql.Tx, m *migrations.Migration, phase migrations.Phase) error {
	for i, hook := range m.HooksInPhase(phase) {
		sp := fmt.Sprintf("confiture_hook_%s_%d", phase, i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+pq.QuoteIdentifier(sp)); err != nil {
			return err
		}
		e.logger.LogHookStart(hook)

		hookCtx, cancel := context.WithTimeout(ctx, hookTimeout(hook))
		err := e.runner(hookCtx, tx, hook)
		cancel()

		if err != nil {
			if hookCtx.Err() == context.DeadlineExceeded {
				err = fmt.Errorf("exceeded %s budget: %w", hookTimeout(hook), err)
			}
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(sp))
			e.logger.LogHookError(hook, err)
			return confiturerr.HookError{Hook: hook.ID, Phase: string(phase), Err: err}
		}
		tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(sp))
		e.logger.LogHookComplete(hook)
	}
	return nil
}

// hookTimeout returns the smaller of hook's configured wall-clock budget
// and defaultHookTimeout; a hook that sets no budget gets the default.
func hookTimeout(hook migrations.HookDescriptor) time.Duration {
	if hook.TimeoutSeconds > 0 {
		if d := time.Duration(hook.TimeoutSeconds) * time.Second; d < defaultHookTimeout {
			return d
		}
	}
	return defaultHookTimeout
}

func fatalFindings(findings []confiturerr.Finding) []confiturerr.Finding {
	var out []confiturerr.Finding
	for _, f := range findings {
		if f.Severity == "error" {
			out = append(out, f)
		}
	}
	return out
}

// Down reverts the last `steps` applied migrations, in reverse
// application order.
func (e *Engine) Down(ctx context.Context, onDisk []*migrations.Migration, steps int) error {
	lockTx, err := e.conn.RawConn().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer lockTx.Rollback()
	if _, err := lockTx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", engineLockKey); err != nil {
		return fmt.Errorf("acquiring engine lock: %w", err)
	}

	byslug := make(map[string]*migrations.Migration, len(onDisk))
	for _, m := range onDisk {
		byslug[m.Slug] = m
	}

	applied, err := e.store.Applied(ctx)
	if err != nil {
		return err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		slug := applied[i].Slug
		m, ok := byslug[slug]
		if !ok {
			return fmt.Errorf("cannot roll back %q: no matching on-disk migration", slug)
		}
		e.logger.LogMigrationRollback(m)
		if err := e.store.Rollback(ctx, m); err != nil {
			return err
		}
		e.logger.LogMigrationRollbackComplete(m)
	}

	return nil
}
