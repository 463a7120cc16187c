// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fraiseql/confiture/cmd/flags"
	"github.com/fraiseql/confiture/pkg/confiturerr"
	"github.com/fraiseql/confiture/pkg/coordinate"
	"github.com/fraiseql/confiture/pkg/output"
)

func coordinateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinate",
		Short: "Register and check declared schema-change intents across agents",
	}
	cmd.AddCommand(coordinateInitCmd())
	cmd.AddCommand(coordinateRegisterCmd())
	cmd.AddCommand(coordinateCheckCmd())
	cmd.AddCommand(coordinateStatusCmd())
	cmd.AddCommand(coordinateCompleteCmd())
	cmd.AddCommand(coordinateAbandonCmd())
	cmd.AddCommand(coordinateListCmd())
	cmd.AddCommand(coordinateConflictsCmd())
	return cmd
}

func coordinateInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the coordination registry's backing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			reg := coordinate.New(rdb, flags.ConfitureSchema())
			if err := reg.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Println("coordination registry initialized")
			return nil
		},
	}
}

type conflictResult struct {
	conflicts []confiturerr.Conflict
}

func (r conflictResult) Header() []string {
	return []string{"intent_a", "agent_a", "op_a", "intent_b", "agent_b", "op_b", "object"}
}
func (r conflictResult) Rows() [][]string {
	rows := make([][]string, len(r.conflicts))
	for i, c := range r.conflicts {
		rows[i] = []string{c.A, c.AgentA, c.OpA, c.B, c.AgentB, c.OpB, c.Object}
	}
	return rows
}

func parseObjectRefs(specs []string) ([]coordinate.ObjectRef, error) {
	out := make([]coordinate.ObjectRef, 0, len(specs))
	for _, s := range specs {
		var schemaName, table, column string
		parts := splitN(s, '.', 3)
		switch len(parts) {
		case 2:
			schemaName, table = parts[0], parts[1]
		case 3:
			schemaName, table, column = parts[0], parts[1], parts[2]
		default:
			return nil, fmt.Errorf("object %q must be schema.table or schema.table.column", s)
		}
		out = append(out, coordinate.ObjectRef{Schema: schemaName, Table: table, Column: column})
	}
	return out, nil
}

func splitN(s string, sep byte, n int) []string {
	var out []string
	start := 0
	for i := 0; i < len(s) && len(out) < n-1; i++ {
		if s[i] == sep {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func coordinateRegisterCmd() *cobra.Command {
	var branch string
	var class string
	var objectSpecs []string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Declare an upcoming schema change and check it against live intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			objects, err := parseObjectRefs(objectSpecs)
			if err != nil {
				return UsageError{Err: err}
			}

			reg := coordinate.New(rdb, flags.ConfitureSchema())
			intent, conflicts, err := reg.Register(ctx, flags.Agent(), branch, objects, coordinate.OperationClass(class))
			if err != nil {
				return err
			}

			fmt.Printf("registered intent %s\n", intent.ID)
			out, err := output.Render(conflictResult{conflicts: conflicts}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&branch, "branch", "", "branch or working-copy name the intent is declared on")
	cmd.Flags().StringVar(&class, "class", string(coordinate.OpRead), "operation class: add_column|drop_column|alter_column|add_constraint|read")
	cmd.Flags().StringSliceVar(&objectSpecs, "object", nil, "schema.table or schema.table.column this intent touches; repeatable")
	return cmd
}

func coordinateCheckCmd() *cobra.Command {
	var class string
	var objectSpecs []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe for conflicts without registering an intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			objects, err := parseObjectRefs(objectSpecs)
			if err != nil {
				return UsageError{Err: err}
			}

			reg := coordinate.New(rdb, flags.ConfitureSchema())
			conflicts, err := reg.Check(ctx, objects, coordinate.OperationClass(class))
			if err != nil {
				return err
			}

			out, err := output.Render(conflictResult{conflicts: conflicts}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&class, "class", string(coordinate.OpRead), "operation class: add_column|drop_column|alter_column|add_constraint|read")
	cmd.Flags().StringSliceVar(&objectSpecs, "object", nil, "schema.table or schema.table.column to probe; repeatable")
	return cmd
}

type intentResult struct {
	intents []coordinate.Intent
}

func (r intentResult) Header() []string {
	return []string{"id", "agent", "branch", "operation_class", "state", "last_touched_at"}
}
func (r intentResult) Rows() [][]string {
	rows := make([][]string, len(r.intents))
	for i, in := range r.intents {
		rows[i] = []string{in.ID.String(), in.Agent, in.Branch, string(in.OperationClass), string(in.State), in.LastTouchedAt.String()}
	}
	return rows
}

func coordinateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize live intents and outstanding conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			reg := coordinate.New(rdb, flags.ConfitureSchema())
			intents, err := reg.List(ctx, coordinate.Filter{})
			if err != nil {
				return err
			}
			out, err := output.Render(intentResult{intents: intents}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func coordinateTransitionCmd(use, short string, newState coordinate.State) *cobra.Command {
	var idStr string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := uuid.Parse(idStr)
			if err != nil {
				return UsageError{Err: fmt.Errorf("invalid intent id %q: %w", idStr, err)}
			}

			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			reg := coordinate.New(rdb, flags.ConfitureSchema())
			if err := reg.Transition(ctx, id, newState); err != nil {
				return err
			}
			fmt.Printf("intent %s moved to %s\n", id, newState)
			return nil
		},
	}
	cmd.Flags().StringVar(&idStr, "id", "", "intent id")
	cmd.MarkFlagRequired("id") //nolint:errcheck
	return cmd
}

func coordinateCompleteCmd() *cobra.Command {
	return coordinateTransitionCmd("complete", "Mark an intent completed", coordinate.StateCompleted)
}

func coordinateAbandonCmd() *cobra.Command {
	return coordinateTransitionCmd("abandon", "Mark an intent abandoned", coordinate.StateAbandoned)
}

func coordinateListCmd() *cobra.Command {
	var agent string
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents, optionally filtered by agent and state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			reg := coordinate.New(rdb, flags.ConfitureSchema())
			intents, err := reg.List(ctx, coordinate.Filter{Agent: agent, State: coordinate.State(state)})
			if err != nil {
				return err
			}
			out, err := output.Render(intentResult{intents: intents}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&state, "state", "", "filter by state: REGISTERED|IN_PROGRESS|COMPLETED|ABANDONED")
	return cmd
}

func coordinateConflictsCmd() *cobra.Command {
	var sweepTTL time.Duration

	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Report all pairwise conflicts among live intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := openRDB(ctx)
			if err != nil {
				return err
			}
			defer rdb.Close()

			reg := coordinate.New(rdb, flags.ConfitureSchema())

			if sweepTTL > 0 {
				n, err := reg.Sweep(ctx, sweepTTL)
				if err != nil {
					return err
				}
				fmt.Printf("swept %d stale intent(s)\n", n)
			}

			conflicts, err := reg.Conflicts(ctx)
			if err != nil {
				return err
			}
			out, err := output.Render(conflictResult{conflicts: conflicts}, output.Format(flags.Format()))
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().DurationVar(&sweepTTL, "sweep", 0, "before reporting, abandon live intents untouched longer than this (0 disables the sweep)")
	return cmd
}
