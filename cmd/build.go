// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/output"
	"github.com/fraiseql/confiture/pkg/parser"
	"github.com/fraiseql/confiture/pkg/schema"
)

// buildResult is the structured record for `confiture build`.
type buildResult struct {
	Source      string `json:"source"`
	Schema      string `json:"schema"`
	Objects     int    `json:"objects"`
	Fingerprint string `json:"fingerprint"`
}

func buildCmd() *cobra.Command {
	var from string
	var to string
	var loadOrder []string

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Parse or introspect a schema and print its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			state, err := loadSchemaState(ctx, from, loadOrder)
			if err != nil {
				return err
			}

			if to != "" {
				if err := os.WriteFile(to, []byte(state.CanonicalText()), 0o644); err != nil {
					return fmt.Errorf("writing canonical text to %q: %w", to, err)
				}
			}

			fp := state.Fingerprint()
			res := buildResult{
				Source:      from,
				Schema:      flags.Schema(),
				Objects:     len(state.Objects()),
				Fingerprint: hex.EncodeToString(fp[:]),
			}

			out, err := output.Render(res, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "db", `schema source: "db" to introspect the live target, or a directory of .sql files`)
	cmd.Flags().StringVar(&to, "to", "", "optional path to write the canonical DDL text to")
	cmd.Flags().StringSliceVar(&loadOrder, "load-order", []string{"*.sql"}, "glob patterns, in order, used when --from is a directory")

	return cmd
}

// loadSchemaState resolves a schema.State either by introspecting the
// live target database ("db") or by parsing a directory tree of DDL
// files.
func loadSchemaState(ctx context.Context, from string, loadOrder []string) (*schema.State, error) {
	if from == "" || from == "db" {
		rdb, err := openRDB(ctx)
		if err != nil {
			return nil, err
		}
		defer rdb.Close()
		return parser.Introspect(ctx, rdb, flags.Schema())
	}

	return parser.ParseTree(os.DirFS(strings.TrimSuffix(from, "/")), loadOrder)
}
