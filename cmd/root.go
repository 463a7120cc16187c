// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/db"
)

// Version is set at build time via -ldflags.
var Version = "development"

func init() {
	viper.SetEnvPrefix("CONFITURE")
	viper.AutomaticEnv()

	flags.PgConnectionFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "confiture",
	Short:        "Schema evolution, safety checks, and production-data sync for Postgres",
	SilenceUsage: true,
	Version:      Version,
}

// openRDB opens a connection to the target database using the bound
// --postgres-url/--role flags, returning the retrying wrapper every
// package operates through.
func openRDB(ctx context.Context) (*db.RDB, error) {
	conn, err := db.Open(ctx, flags.PostgresURL(), nil, flags.Role())
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", flags.Schema(), err)
	}
	return &db.RDB{DB: conn}, nil
}

// Execute runs the root command.
func Execute() error {
	rootCmd.AddCommand(buildCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(lintCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(coordinateCmd())

	return rootCmd.Execute()
}
