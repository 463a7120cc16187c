// SPDX-License-Identifier: Apache-2.0

// Package safety implements the four independent analysers of the
// Safety Pipeline: an idempotency validator, a schema linter, an impact
// analyser, and a dry-run executor.
package safety

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	pgq "github.com/xataio/pg_query_go/v6"

	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/diff"
	"github.com/fraiseql/confiture/pkg/migrations"
	"github.com/fraiseql/confiture/pkg/schema"
)

// Rule is a pure function of a schema.State, used by the Schema Linter.
// Callers may register additional rules beyond DefaultRules.
type Rule func(s *schema.State) []confiturerr.Finding

// Pipeline composes the four analysers and is what the engine invokes
// once per migration before opening its main transaction.
type Pipeline struct {
	conn  db.DB
	rules []Rule

	// DryRun, when true, additionally runs the Dry-Run Executor and
	// folds its report into the returned Findings.
	DryRun bool
}

// New returns a Pipeline with the default linter rule set.
func New(conn db.DB) *Pipeline {
	return &Pipeline{conn: conn, rules: DefaultRules()}
}

// AddRule registers an additional schema-linter rule.
func (p *Pipeline) AddRule(r Rule) {
	p.rules = append(p.rules, r)
}

// Run executes the idempotency validator against m's forward SQL and,
// if configured, the dry-run executor. Linter and impact-analyser
// findings are produced separately by RunLinter/RunImpact, since those
// need a schema.State / ChangeSet the bare migration doesn't carry.
func (p *Pipeline) Run(ctx context.Context, m *migrations.Migration) ([]confiturerr.Finding, error) {
	var findings []confiturerr.Finding
	findings = append(findings, CheckIdempotency(m.ForwardSQL)...)

	if p.DryRun {
		report, err := DryRunExecute(ctx, p.conn, m.ForwardSQL)
		if err != nil {
			return nil, err
		}
		findings = append(findings, report.Findings...)
	}

	return findings, nil
}

// RunLinter runs the Schema Linter's rule set over target.
func (p *Pipeline) RunLinter(target *schema.State) []confiturerr.Finding {
	var findings []confiturerr.Finding
	for _, rule := range p.rules {
		findings = append(findings, rule(target)...)
	}
	return findings
}

// RunImpact runs the Impact Analyser over a ChangeSet, returning a
// fatal Finding for every data-loss change and a warning for every
// merely locking one.
func (p *Pipeline) RunImpact(ctx context.Context, cs *diff.ChangeSet) []confiturerr.Finding {
	var findings []confiturerr.Finding
	for _, c := range cs.Changes {
		switch c.Risk {
		case diff.RiskDataLoss:
			findings = append(findings, confiturerr.Finding{
				Rule:     "impact-analyser",
				Severity: "error",
				Location: fmt.Sprintf("%s.%s", c.Key.Schema, c.Key.Name),
				Message:  fmt.Sprintf("%s is classified data-loss: estimated %dms, lock class %s", c.Kind, c.EstimatedDurationMS, c.LockClass),
			})
		case diff.RiskLocking:
			findings = append(findings, confiturerr.Finding{
				Rule:     "impact-analyser",
				Severity: "warning",
				Location: fmt.Sprintf("%s.%s", c.Key.Schema, c.Key.Name),
				Message:  fmt.Sprintf("%s is classified locking: estimated %dms, lock class %s", c.Kind, c.EstimatedDurationMS, c.LockClass),
			})
		}
	}
	return findings
}

// RunImpactSQL runs the Impact Analyser against raw forward SQL
// directly, for the migrate-up path where no before/after ChangeSet
// was ever computed — each statement is classified from its own AST,
// per classifyStatementRisk, rather than from a schema comparison.
func (p *Pipeline) RunImpactSQL(sqlText string) ([]confiturerr.Finding, error) {
	result, err := pgq.Parse(sqlText)
	if err != nil {
		return nil, fmt.Errorf("parsing forward SQL for impact analysis: %w", err)
	}

	var findings []confiturerr.Finding
	for i, raw := range result.GetStmts() {
		risk, detail := classifyStatementRisk(raw.GetStmt())
		switch risk {
		case diff.RiskDataLoss:
			findings = append(findings, confiturerr.Finding{
				Rule:     "impact-analyser",
				Severity: "error",
				Location: fmt.Sprintf("statement %d", i+1),
				Message:  detail,
			})
		case diff.RiskLocking:
			findings = append(findings, confiturerr.Finding{
				Rule:     "impact-analyser",
				Severity: "warning",
				Location: fmt.Sprintf("statement %d", i+1),
				Message:  detail,
			})
		}
	}
	return findings, nil
}

// --- Idempotency Validator ---------------------------------------------

// idempotencyChecks patterns capture the guard clause (IF [NOT] EXISTS),
// if present, as group 1; a match whose guard is present is not reported.
var idempotencyChecks = []struct {
	rule    string
	pattern *regexp.Regexp
	message string
}{
	{
		rule:    "idempotent-create-table",
		pattern: regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(IF\s+NOT\s+EXISTS\b)?`),
		message: "CREATE TABLE without IF NOT EXISTS is not safely re-runnable",
	},
	{
		rule:    "idempotent-drop",
		pattern: regexp.MustCompile(`(?i)\bDROP\s+(?:TABLE|INDEX|VIEW|SEQUENCE|TRIGGER|FUNCTION)\s+(IF\s+EXISTS\b)?`),
		message: "DROP without IF EXISTS is not safely re-runnable",
	},
	{
		rule:    "idempotent-create-function",
		pattern: regexp.MustCompile(`(?i)\bCREATE\s+FUNCTION\s+`),
		message: "CREATE FUNCTION without OR REPLACE is not safely re-runnable",
	},
	{
		rule:    "idempotent-add-column",
		pattern: regexp.MustCompile(`(?i)\bADD\s+COLUMN\s+(IF\s+NOT\s+EXISTS\b)?`),
		message: "ALTER TABLE ADD COLUMN without IF NOT EXISTS is not safely re-runnable",
	},
}

// CheckIdempotency scans forward SQL for the non-idempotent patterns
// named in spec §4.5 and returns one warning Finding per match.
func CheckIdempotency(sql string) []confiturerr.Finding {
	var findings []confiturerr.Finding
	for _, check := range idempotencyChecks {
		if check.rule == "idempotent-create-function" && strings.Contains(strings.ToUpper(sql), "OR REPLACE") {
			continue
		}
		for _, loc := range check.pattern.FindAllStringSubmatchIndex(sql, -1) {
			if len(loc) > 2 && loc[2] != -1 {
				continue // guarded by IF [NOT] EXISTS
			}
			findings = append(findings, confiturerr.Finding{
				Rule:         check.rule,
				Severity:     "warning",
				Location:     fmt.Sprintf("offset %d", loc[0]),
				Message:      check.message,
				SuggestedFix: RewriteIdempotent(sql),
			})
			break
		}
	}
	return findings
}

// RewriteIdempotent best-effort rewrites sql into an idempotent form;
// callers may accept it (--fix) or reject it. Statements this rewriter
// doesn't recognise are returned unchanged.
func RewriteIdempotent(sql string) string {
	rewritten := sql
	rewritten = regexp.MustCompile(`(?i)\bCREATE\s+TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?`).ReplaceAllString(rewritten, "CREATE TABLE IF NOT EXISTS ")
	rewritten = regexp.MustCompile(`(?i)\bCREATE\s+FUNCTION\s+`).ReplaceAllString(rewritten, "CREATE OR REPLACE FUNCTION ")
	rewritten = regexp.MustCompile(`(?i)\bDROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?`).ReplaceAllString(rewritten, "DROP TABLE IF EXISTS ")
	rewritten = regexp.MustCompile(`(?i)\bADD\s+COLUMN\s+(?:IF\s+NOT\s+EXISTS\s+)?`).ReplaceAllString(rewritten, "ADD COLUMN IF NOT EXISTS ")
	return rewritten
}

// --- Schema Linter -------------------------------------------------------

// DefaultRules returns the rule set named in spec §4.5: every table has
// a primary key, every FK column is indexed, naming is snake_case.
func DefaultRules() []Rule {
	return []Rule{
		RuleEveryTableHasPrimaryKey,
		RuleForeignKeyColumnsIndexed,
		RuleNamingConvention,
	}
}

func RuleEveryTableHasPrimaryKey(s *schema.State) []confiturerr.Finding {
	hasPK := make(map[string]bool)
	for _, c := range s.ByKind(schema.KindConstraint) {
		if c.ConstraintKind == schema.ConstraintPrimaryKey {
			hasPK[c.Schema+"."+c.Parent] = true
		}
	}

	var findings []confiturerr.Finding
	for _, t := range s.ByKind(schema.KindTable) {
		key := t.Schema + "." + t.Name
		if !hasPK[key] {
			findings = append(findings, confiturerr.Finding{
				Rule:     "every-table-has-primary-key",
				Severity: "error",
				Location: key,
				Message:  fmt.Sprintf("table %s has no primary key", key),
			})
		}
	}
	return findings
}

func RuleForeignKeyColumnsIndexed(s *schema.State) []confiturerr.Finding {
	indexedColumns := make(map[string]bool)
	for _, idx := range s.ByKind(schema.KindIndex) {
		for _, col := range idx.IndexColumns {
			indexedColumns[idx.Schema+"."+idx.Parent+"."+col] = true
		}
	}

	var findings []confiturerr.Finding
	for _, c := range s.ByKind(schema.KindConstraint) {
		if c.ConstraintKind != schema.ConstraintForeignKey {
			continue
		}
		for _, col := range c.ConstraintColumns {
			key := c.Schema + "." + c.Parent + "." + col
			if !indexedColumns[key] {
				findings = append(findings, confiturerr.Finding{
					Rule:     "foreign-key-columns-indexed",
					Severity: "warning",
					Location: key,
					Message:  fmt.Sprintf("foreign key column %s has no covering index", key),
				})
			}
		}
	}
	return findings
}

var snakeCase = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func RuleNamingConvention(s *schema.State) []confiturerr.Finding {
	var findings []confiturerr.Finding
	for _, o := range s.Objects() {
		if o.Kind == schema.KindComment {
			continue
		}
		if o.Name != "" && !snakeCase.MatchString(o.Name) {
			findings = append(findings, confiturerr.Finding{
				Rule:     "naming-convention",
				Severity: "info",
				Location: o.Schema + "." + o.Name,
				Message:  fmt.Sprintf("%s %q is not snake_case", o.Kind, o.Name),
			})
		}
	}
	return findings
}

// --- Dry-Run Executor ----------------------------------------------------

// nonRollbackable statements are never executed during a dry run: their
// side effects outlive any savepoint rollback.
var nonRollbackable = regexp.MustCompile(`(?i)\b(pg_advisory_lock|NOTIFY|CREATE\s+EXTENSION|COPY\s+.+\s+FROM\s+STDIN|pg_sleep)\b`)

// DryRunReport is the result of replaying a migration's forward SQL
// inside a savepoint that is always rolled back.
type DryRunReport struct {
	Findings    []confiturerr.Finding
	ElapsedMS   int64
	RowsAffected int64
}

// DryRunExecute wraps sql in a transaction plus a top-level savepoint,
// executes it in a single Exec call, and unconditionally rolls back —
// the transaction is never committed, per spec §4.5: dry-run is the
// only acceptable preview mechanism.
func DryRunExecute(ctx context.Context, conn db.DB, sqlText string) (*DryRunReport, error) {
	report := &DryRunReport{}

	if nonRollbackable.MatchString(sqlText) {
		report.Findings = append(report.Findings, confiturerr.Finding{
			Rule:     "dry-run-non-rollbackable",
			Severity: "warning",
			Message:  "statement contains a non-rollbackable construct and was skipped during dry run",
		})
		return report, nil
	}

	err := conn.WithRetryableTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT confiture_dry_run"); err != nil {
			return err
		}

		start := timeNow()
		res, execErr := tx.ExecContext(ctx, sqlText)
		report.ElapsedMS = int64(timeNow().Sub(start) / time.Millisecond)

		if execErr != nil {
			tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_dry_run")
			return confiturerr.DryRunError{Statement: sqlText, Err: execErr}
		}
		if res != nil {
			if n, err := res.RowsAffected(); err == nil {
				report.RowsAffected = n
			}
		}

		// Always discard: rolling back to the savepoint undoes the
		// statement's effects, then the outer transaction itself is
		// rolled back by returning an error so WithRetryableTransaction
		// never commits it.
		tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT confiture_dry_run")
		return errDryRunComplete
	})
	if err != nil && err != errDryRunComplete {
		if _, ok := err.(confiturerr.DryRunError); ok {
			return report, err
		}
		return report, err
	}

	return report, nil
}

// errDryRunComplete forces WithRetryableTransaction to roll back even
// though the dry run itself succeeded.
var errDryRunComplete = fmt.Errorf("dry run complete: discarding transaction")

// timeNow is a seam so dry-run timing doesn't depend on wall-clock
// access outside of this package's own tests.
var timeNow = time.Now
