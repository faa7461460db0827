// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/config"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/governance"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/planner"
)

// goalOptions are shared by plan and submit.
type goalOptions struct {
	file     string
	snapshot map[string]string
}

func (o *goalOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.file, "file", "f", "", "Structured goal document (YAML or JSON) instead of a goal text")
	cmd.Flags().StringToStringVar(&o.snapshot, "snapshot", nil, "Situational context for the goal (key=value, repeatable)")
}

func (o *goalOptions) validate(args []string) error {
	switch {
	case o.file != "" && len(args) > 0:
		return fmt.Errorf("pass either a goal or --file, not both")
	case o.file == "" && len(args) == 0:
		return fmt.Errorf("a goal or --file is required")
	}
	return nil
}

func (o *goalOptions) snapshotValue() planner.Snapshot {
	if len(o.snapshot) == 0 {
		return nil
	}
	s := make(planner.Snapshot, len(o.snapshot))
	for k, v := range o.snapshot {
		s[k] = v
	}
	return s
}

// buildPlan turns the goal text or document into a plan.
func (o *goalOptions) buildPlan(ctx context.Context, args []string) (*core.ExecutionPlan, error) {
	if o.file != "" {
		return planner.LoadDocument(o.file)
	}
	return planner.New().Plan(ctx, strings.Join(args, " "), o.snapshotValue())
}

type planReport struct {
	Plan       *core.ExecutionPlan   `json:"plan"`
	Evaluation governance.Evaluation `json:"evaluation"`
}

func newPlanCmd(flags *rootFlags) *cobra.Command {
	opts := &goalOptions{}

	cmd := &cobra.Command{
		Use:   "plan [goal...]",
		Short: "Plan a goal and score its risk without executing anything",
		Example: `  orchestrator plan "deploy the billing service" --snapshot environment=staging
  orchestrator plan --file goal.yaml --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(args); err != nil {
				return err
			}
			cfg, err := config.LoadWith(flags.options())
			if err != nil {
				return newCommandError("plan", "loading configuration", err, "Check --config, --profile, --set and ORCH_ variables.")
			}
			plan, err := opts.buildPlan(cmd.Context(), args)
			if err != nil {
				return newCommandError("plan", "building plan", err, hintFor(err))
			}
			policy := newPolicy(cfg.Governance.AllowTools, cfg.Governance.DenyTools)
			report := planReport{Plan: plan, Evaluation: policy.Evaluate(cmd.Context(), plan)}
			return renderPlanReport(cmd, flags, report)
		},
	}
	opts.bind(cmd)
	return cmd
}

func renderPlanReport(cmd *cobra.Command, flags *rootFlags, r planReport) error {
	out := cmd.OutOrStdout()
	if flags.json {
		return writeJSON(out, r)
	}
	printPlan(out, r.Plan)
	fmt.Fprintf(out, "Risk %s (%.4f)\n", r.Evaluation.Risk.Level, r.Evaluation.Risk.Score)
	for _, name := range slices.Sorted(maps.Keys(r.Evaluation.Risk.Factors)) {
		fmt.Fprintf(out, "  %+.4f  %s\n", r.Evaluation.Risk.Factors[name], name)
	}
	for _, v := range r.Evaluation.Verifications {
		mark := "ok"
		if !v.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "Check %-16s %-4s %s\n", v.Type, mark, v.Result)
	}
	switch {
	case !r.Evaluation.Allowed:
		fmt.Fprintln(out, "Policy: blocked")
	case len(r.Evaluation.Approvals) > 0:
		kinds := make([]string, len(r.Evaluation.Approvals))
		for i, a := range r.Evaluation.Approvals {
			kinds[i] = string(a.Kind)
		}
		fmt.Fprintf(out, "Policy: approval required (%s)\n", strings.Join(kinds, ", "))
	default:
		fmt.Fprintln(out, "Policy: runs without approval")
	}
	return nil
}
