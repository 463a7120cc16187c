// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/anonymize"
	"github.com/fraiseql/confiture/pkg/audit"
	"github.com/fraiseql/confiture/pkg/db"
	"github.com/fraiseql/confiture/pkg/output"
	"github.com/fraiseql/confiture/pkg/parser"
	"github.com/fraiseql/confiture/pkg/schema"
)

type syncResult struct {
	rows map[string]int64
}

func (r syncResult) Header() []string { return []string{"table", "rows_synced"} }
func (r syncResult) Rows() [][]string {
	names := make([]string, 0, len(r.rows))
	for name := range r.rows {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([][]string, len(names))
	for i, name := range names {
		out[i] = []string{name, fmt.Sprint(r.rows[name])}
	}
	return out
}

func syncCmd() *cobra.Command {
	var sourceURL string
	var targetURL string
	var profilePath string
	var schemaPath string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Copy production data into a target database, rewriting sensitive columns per an anonymisation policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if sourceURL == "" {
				return UsageError{Err: fmt.Errorf("--source is required")}
			}

			sourceConn, err := db.Open(ctx, sourceURL, nil, flags.Role())
			if err != nil {
				return fmt.Errorf("connecting to source: %w", err)
			}
			source := &db.RDB{DB: sourceConn}
			defer source.Close()

			var target *db.RDB
			if targetURL != "" {
				targetConn, err := db.Open(ctx, targetURL, nil, flags.Role())
				if err != nil {
					return fmt.Errorf("connecting to target: %w", err)
				}
				target = &db.RDB{DB: targetConn}
			} else {
				target, err = openRDB(ctx)
				if err != nil {
					return err
				}
			}
			defer target.Close()

			policy, err := anonymize.LoadPolicy(profilePath, schemaPath)
			if err != nil {
				return err
			}

			state, err := parser.Introspect(ctx, source, flags.Schema())
			if err != nil {
				return fmt.Errorf("introspecting source schema: %w", err)
			}

			tables, err := buildSyncTables(state, policy)
			if err != nil {
				return err
			}

			transformer := anonymize.NewTransformer(source, target, policy)
			counts, err := transformer.Sync(ctx, tables)
			if err != nil {
				return err
			}

			if err := writeSyncAuditEntry(ctx, target, policy, counts); err != nil {
				return fmt.Errorf("writing audit entry: %w", err)
			}

			out, err := output.Render(syncResult{rows: counts}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceURL, "source", "", "Postgres URL of the production source database")
	cmd.Flags().StringVar(&targetURL, "target", "", "Postgres URL of the target database (defaults to --postgres-url)")
	cmd.Flags().StringVar(&profilePath, "anonymisation-profile", "policy.yaml", "path to the anonymisation policy document")
	cmd.Flags().StringVar(&schemaPath, "policy-schema", "policy.schema.json", "path to the policy's JSON Schema document")
	return cmd
}

// buildSyncTables groups a policy's rules by table, attaches each
// table's primary key and foreign-key dependencies from the introspected
// source schema, and topologically sorts the result so referenced rows
// sync before referencing rows (spec §4.6).
func buildSyncTables(state *schema.State, policy *anonymize.Policy) ([]anonymize.Table, error) {
	byTable := make(map[string][]anonymize.Rule)
	var order []string
	for _, r := range policy.Rules {
		if _, ok := byTable[r.Table]; !ok {
			order = append(order, r.Table)
		}
		byTable[r.Table] = append(byTable[r.Table], r)
	}

	deps := make(map[string][]string)
	pk := make(map[string]string)
	for _, o := range state.Objects() {
		if o.Kind != schema.KindConstraint {
			continue
		}
		switch o.ConstraintKind {
		case schema.ConstraintPrimaryKey:
			if len(o.ConstraintColumns) > 0 {
				pk[o.Parent] = o.ConstraintColumns[0]
			}
		case schema.ConstraintForeignKey:
			if o.References != nil {
				deps[o.Parent] = append(deps[o.Parent], o.References.Table)
			}
		}
	}

	inSet := make(map[string]bool, len(order))
	for _, name := range order {
		inSet[name] = true
	}

	sorted, err := topoSortTableNames(order, deps, inSet)
	if err != nil {
		return nil, err
	}

	tables := make([]anonymize.Table, 0, len(sorted))
	for _, name := range sorted {
		var dependsOn []string
		for _, d := range deps[name] {
			if inSet[d] {
				dependsOn = append(dependsOn, d)
			}
		}
		tables = append(tables, anonymize.Table{
			Name:       name,
			PrimaryKey: pk[name],
			Rules:      byTable[name],
			DependsOn:  dependsOn,
		})
	}
	return tables, nil
}

// topoSortTableNames orders names so that every entry in deps[name]
// that is itself in the set comes before name (depth-first search).
func topoSortTableNames(names []string, deps map[string][]string, inSet map[string]bool) ([]string, error) {
	visited := make(map[string]int) // 0 unvisited, 1 in-progress, 2 done
	var out []string

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("circular foreign-key dependency involving table %q", name)
		}
		visited[name] = 1
		for _, d := range deps[name] {
			if inSet[d] {
				if err := visit(d); err != nil {
					return err
				}
			}
		}
		visited[name] = 2
		out = append(out, name)
		return nil
	}

	sortedNames := append([]string(nil), names...)
	sort.Strings(sortedNames)
	for _, name := range sortedNames {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeSyncAuditEntry(ctx context.Context, target *db.RDB, policy *anonymize.Policy, counts map[string]int64) error {
	key := auditKey()
	if key == nil {
		return nil
	}
	log := audit.New(target, flags.ConfitureSchema(), key)
	if err := log.EnsureSchema(ctx); err != nil {
		return err
	}
	_, err := log.Write(ctx, audit.WriteRequest{
		Actor:         flags.Agent(),
		OperationKind: "sync",
		Target:        flags.Schema(),
		PolicyHash:    policy.IntegrityHash(),
		Body:          counts,
	})
	return err
}

func auditKey() []byte {
	v := os.Getenv(flags.AuditKeyEnv())
	if v == "" {
		return nil
	}
	return []byte(v)
}
