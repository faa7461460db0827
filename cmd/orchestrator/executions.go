// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
)

func newExecutionsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Short:   "Inspect executions and their audit trail",
	}
	cmd.AddCommand(newExecutionsListCmd(flags))
	cmd.AddCommand(newExecutionsGetCmd(flags))
	return cmd
}

type listOptions struct {
	state string
	plan  string
	limit int
}

func newExecutionsListCmd(flags *rootFlags) *cobra.Command {
	opts := &listOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				list, err := a.engine.List(ctx, orchestrator.ExecutionFilter{
					State:  orchestrator.State(opts.state),
					PlanID: opts.plan,
					Limit:  opts.limit,
				})
				if err != nil {
					return newCommandError("list executions", "querying store", err, "")
				}
				out := cmd.OutOrStdout()
				if flags.json {
					return writeJSON(out, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(out, "No executions.")
					return nil
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "ID\tPLAN\tINTENT\tSTATE\tRISK\tUPDATED")
				for _, e := range list {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						e.ID, e.PlanID(), e.Plan.Intent, e.State, e.Risk.Level, e.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&opts.state, "state", "", "Only executions in this state")
	cmd.Flags().StringVar(&opts.plan, "plan", "", "Only executions of this plan")
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "Maximum number of executions (0 for all)")
	return cmd
}

type executionDetail struct {
	*orchestrator.Execution
	Audit []orchestrator.AuditEntry `json:"audit,omitempty"`
}

func newExecutionsGetCmd(flags *rootFlags) *cobra.Command {
	var audit bool

	cmd := &cobra.Command{
		Use:   "get <execution-or-plan-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				exec, err := a.engine.Get(ctx, args[0])
				if err != nil {
					return newCommandError("get execution", "querying store", err, hintFor(err))
				}
				detail := executionDetail{Execution: exec}
				if audit {
					if detail.Audit, err = a.engine.Audit(ctx, exec.ID); err != nil {
						return newCommandError("get execution", "reading audit trail", err, "")
					}
				}
				out := cmd.OutOrStdout()
				if flags.json {
					return writeJSON(out, detail)
				}
				printExecution(out, exec)
				if len(detail.Audit) > 0 {
					fmt.Fprintln(out, "Audit")
					tw := newTable(out)
					for _, en := range detail.Audit {
						fmt.Fprintf(tw, "  %s\t%s -> %s\t%s\n", en.At.Format(time.RFC3339), en.From, en.To, en.Reason)
					}
					return tw.Flush()
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&audit, "audit", false, "Include the audit trail")
	return cmd
}
