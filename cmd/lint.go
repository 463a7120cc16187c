// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/output"
	"github.com/fraiseql/confiture/pkg/parser"
	"github.com/fraiseql/confiture/pkg/safety"
)

type findingResult struct {
	findings []confiturerr.Finding
}

func (r findingResult) Header() []string {
	return []string{"severity", "rule", "location", "message", "suggested_fix"}
}
func (r findingResult) Rows() [][]string {
	rows := make([][]string, len(r.findings))
	for i, f := range r.findings {
		rows[i] = []string{f.Severity, f.Rule, f.Location, f.Message, f.SuggestedFix}
	}
	return rows
}

func lintCmd() *cobra.Command {
	var env string
	var failOnWarning bool

	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run naming, indexing, and primary-key rules against the target schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			state, err := parser.Introspect(ctx, rdb, flags.Schema())
			if err != nil {
				return err
			}

			pipeline := safety.New(rdb)
			for _, r := range safety.DefaultRules() {
				pipeline.AddRule(r)
			}
			findings := pipeline.RunLinter(state)

			out, err := output.Render(findingResult{findings: findings}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))

			for _, f := range findings {
				if f.Severity == "error" {
					return fmt.Errorf("lint found %d error-severity finding(s) in environment %q", countSeverity(findings, "error"), env)
				}
				if failOnWarning && f.Severity == "warning" {
					return fmt.Errorf("lint found %d warning-severity finding(s) in environment %q", countSeverity(findings, "warning"), env)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "label identifying which environment this lint run targets (informational)")
	cmd.Flags().BoolVar(&failOnWarning, "fail-on-warning", false, "exit non-zero if any warning-severity finding is reported")
	return cmd
}

func countSeverity(findings []confiturerr.Finding, severity string) int {
	n := 0
	for _, f := range findings {
		if f.Severity == severity {
			n++
		}
	}
	return n
}
