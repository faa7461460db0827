// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printPlan(w io.Writer, plan *core.ExecutionPlan) {
	fmt.Fprintf(w, "Plan %s\n", plan.ID)
	fmt.Fprintf(w, "  goal:   %s\n", plan.Goal)
	fmt.Fprintf(w, "  intent: %s\n", plan.Intent)
	tw := newTable(w)
	fmt.Fprintln(tw, "  #\tTYPE\tTOOL\tPREVIEW")
	for i, a := range plan.Actions {
		tool := a.Tool
		if tool == "" {
			tool = "-"
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%t\n", i, a.Type, tool, a.Preview)
	}
	_ = tw.Flush()
}

func printExecution(w io.Writer, exec *orchestrator.Execution) {
	fmt.Fprintf(w, "Execution %s\n", exec.ID)
	fmt.Fprintf(w, "  plan:  %s (%s)\n", exec.PlanID(), exec.Plan.Intent)
	fmt.Fprintf(w, "  state: %s\n", exec.State)
	fmt.Fprintf(w, "  risk:  %s (%.4f)\n", exec.Risk.Level, exec.Risk.Score)
	if exec.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", exec.Error)
	}
	if pending := exec.PendingApprovals(); len(pending) > 0 {
		kinds := make([]string, len(pending))
		for i, p := range pending {
			kinds[i] = string(p.Kind)
		}
		fmt.Fprintf(w, "  awaiting approval: %s\n", strings.Join(kinds, ", "))
	}
	if failed := failedChecks(exec.Verifications); len(failed) > 0 {
		fmt.Fprintf(w, "  failed checks: %s\n", strings.Join(failed, ", "))
	}
	if len(exec.Actions) == 0 {
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "  #\tTYPE\tTOOL\tSTATUS")
	for _, a := range exec.Actions {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", a.Index, a.Type, a.Tool, a.Status)
	}
	_ = tw.Flush()
}

func failedChecks(vs []core.Verification) []string {
	var out []string
	for _, v := range vs {
		if !v.Pass {
			out = append(out, v.Type)
		}
	}
	return out
}
