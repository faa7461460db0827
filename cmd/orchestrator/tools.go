// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

func newToolsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect registered tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tools and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(_ context.Context, a *app) error {
				list := a.registry.ListTools()
				out := cmd.OutOrStdout()
				if flags.json {
					return writeJSON(out, list)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "NAME\tROLLBACK\tHEALTH\tREAD-ONLY\tBREAKER")
				for _, t := range list {
					fmt.Fprintf(tw, "%s\t%t\t%t\t%t\t%s\n", t.Name, t.CanRollback, t.CanHealth, t.ReadOnly, t.Breaker)
				}
				return tw.Flush()
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Health-check every tool concurrently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				reports := a.registry.HealthCheckAll(ctx)
				out := cmd.OutOrStdout()
				if flags.json {
					if err := writeJSON(out, reports); err != nil {
						return err
					}
				} else {
					printHealth(out, reports)
				}
				for _, r := range reports {
					if !r.Healthy {
						return fmt.Errorf("one or more tools are unhealthy")
					}
				}
				return nil
			})
		},
	})
	return cmd
}

func printHealth(w io.Writer, reports map[string]tools.HealthReport) {
	tw := newTable(w)
	fmt.Fprintln(tw, "TOOL\tHEALTHY\tLATENCY\tERROR")
	for _, name := range slices.Sorted(maps.Keys(reports)) {
		r := reports[name]
		fmt.Fprintf(tw, "%s\t%t\t%dms\t%s\n", name, r.Healthy, r.ResponseTimeMs, r.Error)
	}
	_ = tw.Flush()
}

func newBreakerCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect tool circuit breakers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the state of every tool breaker",
		Long: "Breaker counters live in the configured store. With breaker.store=redis the\n" +
			"state is shared by every process; with memory it reflects this process only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				snaps, err := breakerSnapshots(ctx, a)
				if err != nil {
					return newCommandError("breaker status", "reading breaker store", err, "Check redis connectivity (redis.addr).")
				}
				out := cmd.OutOrStdout()
				if flags.json {
					return writeJSON(out, snaps)
				}
				tw := newTable(out)
				fmt.Fprintln(tw, "BREAKER\tSTATE\tFAILURES\tSUCCESSES")
				for _, s := range snaps {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.Name, s.State, s.FailureCount, s.SuccessCount)
				}
				return tw.Flush()
			})
		},
	})
	return cmd
}

// breakerSnapshots reads every tool breaker and records its state gauge.
func breakerSnapshots(ctx context.Context, a *app) ([]resilience.BreakerSnapshot, error) {
	var snaps []resilience.BreakerSnapshot
	for _, info := range a.registry.ListTools() {
		cb, ok := a.registry.Breaker(info.Name)
		if !ok {
			continue
		}
		snap, err := cb.Snapshot(ctx)
		if err != nil {
			return nil, err
		}
		a.metrics.RecordBreaker(ctx, snap)
		snaps = append(snaps, snap)
	}
	return snaps, nil
}
