// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
)

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	opts := &goalOptions{}

	cmd := &cobra.Command{
		Use:   "submit [goal...]",
		Short: "Plan, verify and execute a goal through the approval gate",
		Long: "Submits a goal or structured goal document. Low-risk plans run to completion;\n" +
			"plans that need approval stop in approval_pending until 'orchestrator approve'.",
		Example: `  orchestrator submit "monitor queue depth" --snapshot tool=infra
  orchestrator submit --file release.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(args); err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var (
					exec *orchestrator.Execution
					err  error
				)
				if opts.file != "" {
					plan, perr := opts.buildPlan(ctx, args)
					if perr != nil {
						return newCommandError("submit", "loading goal document", perr, hintFor(perr))
					}
					exec, err = a.engine.SubmitPlan(ctx, plan)
				} else {
					exec, err = a.engine.SubmitGoal(ctx, strings.Join(args, " "), opts.snapshotValue())
				}
				if err != nil {
					return newCommandError("submit", "executing goal", err, hintFor(err))
				}
				return renderExecution(cmd, flags, exec)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func newApproveCmd(flags *rootFlags) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "approve <execution-or-plan-id>",
		Short: "Present an approval token for a pending execution",
		Long: "Each accepted token resolves one outstanding approval request. When the last\n" +
			"request is resolved the execution resumes with its dry runs and applies.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				exec, err := a.engine.SubmitApproval(ctx, args[0], token)
				if err != nil {
					return newCommandError("approve", "submitting approval", err, hintFor(err))
				}
				return renderExecution(cmd, flags, exec)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Approval token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newRollbackCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <execution-id>",
		Short: "Reverse an applied execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				exec, err := a.engine.Rollback(ctx, args[0])
				if err != nil {
					return newCommandError("rollback", "rolling back", err, hintFor(err))
				}
				return renderExecution(cmd, flags, exec)
			})
		},
	}
}

func renderExecution(cmd *cobra.Command, flags *rootFlags, exec *orchestrator.Execution) error {
	if flags.json {
		return writeJSON(cmd.OutOrStdout(), exec)
	}
	printExecution(cmd.OutOrStdout(), exec)
	return nil
}
