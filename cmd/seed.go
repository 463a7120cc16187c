// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/output"
	"github.com/fraiseql/confiture/pkg/seed"
)

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Apply and validate seed data",
	}
	cmd.AddCommand(seedApplyCmd())
	cmd.AddCommand(seedValidateCmd())
	return cmd
}

func seedApplyCmd() *cobra.Command {
	var seedsDir string
	var loadOrder []string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply seed SQL files in declared order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			applier := seed.NewApplier(rdb)
			if err := applier.Apply(ctx, os.DirFS(seedsDir), loadOrder); err != nil {
				return err
			}
			fmt.Println("seed data applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&seedsDir, "seeds-dir", "seeds", "directory of seed .sql files")
	cmd.Flags().StringSliceVar(&loadOrder, "load-order", []string{"*.sql"}, "glob patterns, in order")
	return cmd
}

type violationResult struct {
	violations []confiturerr.Violation
}

func (r violationResult) Header() []string {
	return []string{"file", "line", "table", "kind", "severity", "message"}
}
func (r violationResult) Rows() [][]string {
	rows := make([][]string, len(r.violations))
	for i, v := range r.violations {
		rows[i] = []string{v.File, fmt.Sprint(v.Line), v.Table, v.Kind, v.Severity, v.Message}
	}
	return rows
}

func seedValidateCmd() *cobra.Command {
	var seedsDir string
	var loadOrder []string
	var allEnvs bool
	var requiredTables []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Replay seed files against the target schema without committing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			required := parseRequiredTables(requiredTables)
			validator := seed.NewValidator(rdb)

			var violations []confiturerr.Violation
			if !allEnvs {
				violations, err = validator.Validate(ctx, os.DirFS(seedsDir), loadOrder, required)
				if err != nil {
					return err
				}
			} else {
				roots, err2 := discoverEnvRoots(seedsDir)
				if err2 != nil {
					return err2
				}
				_, violations, err = validator.CompareEnvironments(ctx, roots, loadOrder, required)
				if err != nil {
					return err
				}
			}

			out, err := output.Render(violationResult{violations: violations}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&seedsDir, "seeds-dir", "seeds", "directory of seed .sql files (or, with --all-envs, a directory of per-environment subdirectories)")
	cmd.Flags().StringSliceVar(&loadOrder, "load-order", []string{"*.sql"}, "glob patterns, in order")
	cmd.Flags().BoolVar(&allEnvs, "all-envs", false, "compare row counts for every subdirectory of --seeds-dir")
	cmd.Flags().StringSliceVar(&requiredTables, "required-table", nil, `schema.table expected non-empty after seeding, e.g. "public.customers"`)
	return cmd
}

func parseRequiredTables(specs []string) []seed.RequiredTable {
	out := make([]seed.RequiredTable, 0, len(specs))
	for _, s := range specs {
		schemaName, name, ok := strings.Cut(s, ".")
		if !ok {
			name, schemaName = s, "public"
		}
		out = append(out, seed.RequiredTable{Schema: schemaName, Name: name})
	}
	return out
}

// discoverEnvRoots treats every subdirectory of base as one named
// environment's seed tree, for `seed validate --all-envs`.
func discoverEnvRoots(base string) (map[string]fs.FS, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("reading environments under %q: %w", base, err)
	}

	roots := make(map[string]fs.FS, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		roots[e.Name()] = os.DirFS(filepath.Join(base, e.Name()))
	}
	return roots, nil
}
