// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/diff"
	"github.com/fraiseql/confiture/pkg/engine"
	"github.com/fraiseql/confiture/pkg/migrations"
	"github.com/fraiseql/confiture/pkg/output"
	"github.com/fraiseql/confiture/pkg/safety"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back, inspect, and diff schema migrations",
	}
	cmd.AddCommand(migrateUpCmd())
	cmd.AddCommand(migrateDownCmd())
	cmd.AddCommand(migrateStatusCmd())
	cmd.AddCommand(migrateDiffCmd())
	cmd.AddCommand(migrateValidateCmd())
	return cmd
}

func migrateUpCmd() *cobra.Command {
	var target string
	var dryRun bool
	var dryRunExecute bool
	var force bool
	var migrationsDir string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations up to and including --target",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			onDisk, err := migrations.LoadDir(os.DirFS(migrationsDir))
			if err != nil {
				return err
			}

			if dryRun || dryRunExecute {
				e := engine.New(rdb, flags.Schema())
				if err := e.EnsureSchema(ctx); err != nil {
					return err
				}
				st, err := e.Status(ctx, onDisk)
				if err != nil {
					return err
				}
				var reports []dryRunResultRow
				for _, m := range st.Pending {
					if target != "" && m.Slug > target {
						break
					}
					report, dryErr := safety.DryRunExecute(ctx, rdb, m.ForwardSQL)
					row := dryRunResultRow{Slug: m.Slug}
					if report != nil {
						row.ElapsedMS = report.ElapsedMS
						row.RowsAffected = report.RowsAffected
						for _, f := range report.Findings {
							row.Findings = append(row.Findings, f.Message)
						}
					}
					if dryErr != nil {
						row.Error = dryErr.Error()
					}
					reports = append(reports, row)
				}
				out, err := output.Render(dryRunResult{Migrations: reports}, output.Format(flags.Format()))
				if err != nil {
					return err
				}
				if outputPath != "" {
					return os.WriteFile(outputPath, out, 0o644)
				}
				fmt.Println(string(out))
				return nil
			}

			pipeline := safety.New(rdb)
			for _, r := range safety.DefaultRules() {
				pipeline.AddRule(r)
			}

			e := engine.New(rdb, flags.Schema(), engine.WithAgent(flags.Agent()))
			e.Force = force
			if err := e.Up(ctx, onDisk, target, pipeline); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "apply up to and including this migration slug")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview pending migrations without applying them")
	cmd.Flags().BoolVar(&dryRunExecute, "dry-run-execute", false, "replay pending migrations inside a rolled-back transaction, reporting rows affected")
	cmd.Flags().BoolVar(&force, "force", false, "apply even if the safety pipeline reports a fatal finding")
	cmd.Flags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory of NNN_slug.up.sql / .down.sql pairs")
	cmd.Flags().StringVar(&outputPath, "output", "", "write the dry-run report to this path instead of stdout")
	return cmd
}

type dryRunResultRow struct {
	Slug         string   `json:"slug"`
	ElapsedMS    int64    `json:"elapsedMs"`
	RowsAffected int64    `json:"rowsAffected"`
	Findings     []string `json:"findings,omitempty"`
	Error        string   `json:"error,omitempty"`
}

type dryRunResult struct {
	Migrations []dryRunResultRow `json:"migrations"`
}

func (r dryRunResult) Header() []string { return []string{"slug", "elapsed_ms", "rows_affected", "error"} }
func (r dryRunResult) Rows() [][]string {
	rows := make([][]string, len(r.Migrations))
	for i, m := range r.Migrations {
		rows[i] = []string{m.Slug, fmt.Sprint(m.ElapsedMS), fmt.Sprint(m.RowsAffected), m.Error}
	}
	return rows
}

func migrateDownCmd() *cobra.Command {
	var steps int
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last --steps applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			onDisk, err := migrations.LoadDir(os.DirFS(migrationsDir))
			if err != nil {
				return err
			}

			e := engine.New(rdb, flags.Schema(), engine.WithAgent(flags.Agent()))
			if err := e.Down(ctx, onDisk, steps); err != nil {
				return err
			}
			fmt.Printf("rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "number of applied migrations to roll back")
	cmd.Flags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory of NNN_slug.up.sql / .down.sql pairs")
	return cmd
}

type statusResult struct {
	Applied  []statusRow `json:"applied"`
	Pending  []statusRow `json:"pending"`
	Diverged []string    `json:"diverged"`
}

type statusRow struct {
	Slug      string `json:"slug"`
	AppliedAt string `json:"appliedAt,omitempty"`
	AppliedBy string `json:"appliedBy,omitempty"`
}

func (r statusResult) Header() []string { return []string{"slug", "state", "applied_at", "applied_by"} }
func (r statusResult) Rows() [][]string {
	rows := make([][]string, 0, len(r.Applied)+len(r.Pending))
	for _, a := range r.Applied {
		rows = append(rows, []string{a.Slug, "applied", a.AppliedAt, a.AppliedBy})
	}
	for _, p := range r.Pending {
		rows = append(rows, []string{p.Slug, "pending", "", ""})
	}
	for _, d := range r.Diverged {
		rows = append(rows, []string{d, "diverged", "", ""})
	}
	return rows
}

func migrateStatusCmd() *cobra.Command {
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List applied, pending, and diverged migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			onDisk, err := migrations.LoadDir(os.DirFS(migrationsDir))
			if err != nil {
				return err
			}

			e := engine.New(rdb, flags.Schema())
			if err := e.EnsureSchema(ctx); err != nil {
				return err
			}
			st, err := e.Status(ctx, onDisk)
			if err != nil {
				return err
			}

			res := statusResult{Diverged: st.Diverged}
			for _, a := range st.Applied {
				res.Applied = append(res.Applied, statusRow{Slug: a.Slug, AppliedAt: a.AppliedAt.String(), AppliedBy: a.AppliedBy})
			}
			for _, p := range st.Pending {
				res.Pending = append(res.Pending, statusRow{Slug: p.Slug})
			}

			out, err := output.Render(res, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory of NNN_slug.up.sql / .down.sql pairs")
	return cmd
}

type diffResult struct {
	changes []diff.Change
}

func (r diffResult) Header() []string { return []string{"kind", "key", "risk", "forward_sql"} }
func (r diffResult) Rows() [][]string {
	rows := make([][]string, len(r.changes))
	for i, c := range r.changes {
		rows[i] = []string{string(c.Kind), c.Key.Schema + "." + c.Key.Name, string(c.Risk), c.ForwardSQL}
	}
	return rows
}

func migrateDiffCmd() *cobra.Command {
	var loadOrder []string

	cmd := &cobra.Command{
		Use:   "diff <from> <to>",
		Short: `Diff two schema sources ("db" or a directory of .sql files)`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			source, err := loadSchemaState(ctx, args[0], loadOrder)
			if err != nil {
				return err
			}
			target, err := loadSchemaState(ctx, args[1], loadOrder)
			if err != nil {
				return err
			}

			cs, err := diff.Diff(source, target, nil)
			if err != nil {
				return err
			}

			out, err := output.Render(diffResult{changes: cs.Changes}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&loadOrder, "load-order", []string{"*.sql"}, "glob patterns, in order, used for directory sources")
	return cmd
}

type migrateValidationResult struct {
	findings []validationFindingRow
}

type validationFindingRow struct {
	slug, rule, severity, message string
}

func (r migrateValidationResult) Header() []string { return []string{"slug", "rule", "severity", "message"} }
func (r migrateValidationResult) Rows() [][]string {
	rows := make([][]string, len(r.findings))
	for i, f := range r.findings {
		rows[i] = []string{f.slug, f.rule, f.severity, f.message}
	}
	return rows
}

func migrateValidateCmd() *cobra.Command {
	var idempotent bool
	var fix bool
	var migrationsDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check on-disk migrations for idempotency and structural problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			onDisk, err := migrations.LoadDir(os.DirFS(migrationsDir))
			if err != nil {
				return err
			}

			var rows []validationFindingRow
			for _, m := range onDisk {
				if !idempotent {
					continue
				}
				findings := safety.CheckIdempotency(m.ForwardSQL)
				for _, f := range findings {
					rows = append(rows, validationFindingRow{slug: m.Slug, rule: f.Rule, severity: f.Severity, message: f.Message})
				}
				if fix && len(findings) > 0 {
					rewritten := safety.RewriteIdempotent(m.ForwardSQL)
					path := migrationsDir + "/" + m.Slug + ".up.sql"
					if err := os.WriteFile(path, []byte(rewritten), 0o644); err != nil {
						return fmt.Errorf("rewriting %s: %w", path, err)
					}
				}
			}

			out, err := output.Render(migrateValidationResult{findings: rows}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&idempotent, "idempotent", true, "check that forward SQL uses IF [NOT] EXISTS guards")
	cmd.Flags().BoolVar(&fix, "fix", false, "rewrite non-idempotent statements with IF [NOT] EXISTS guards")
	cmd.Flags().StringVar(&migrationsDir, "migrations-dir", "migrations", "directory of NNN_slug.up.sql / .down.sql pairs")
	return cmd
}
