// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/agent"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/config"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/planner"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/runtime"
)

// defaultAgentID names the unit registered when no agents are configured.
const defaultAgentID = "default"

type runOptions struct {
	emergencyStop bool
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the configured agents until interrupted",
		Long: "Registers one unit per configured agent, runs the message loop, the health\n" +
			"sweep and the approval expiry sweep, and watches the configuration file.\n" +
			"With --emergency-stop, shutdown rolls back every active agent first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return serve(ctx, a, flags.options(), opts)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.emergencyStop, "emergency-stop", false, "Roll back active agents on shutdown")
	return cmd
}

// buildRuntime registers one agent per configured entry.
func buildRuntime(a *app) (*runtime.Runtime, error) {
	ec := a.cfg.Engine
	rt := runtime.New(
		runtime.WithQueueSize(ec.QueueSize),
		runtime.WithHealthInterval(ec.HealthInterval),
		runtime.WithStopTimeout(ec.EmergencyTimeout),
		runtime.WithApprovalSweep(ec.SweepInterval, ec.SweepInterval, a.engine),
		runtime.WithMessageHook(func(ctx context.Context, msg runtime.Message, err error) {
			if err != nil {
				a.metrics.Errors().RecordErrorMetric(ctx, err, "runtime")
			}
		}),
		runtime.WithLogger(a.log),
	)

	agents := a.cfg.Agents
	if len(agents) == 0 {
		agents = []config.AgentConfig{{ID: defaultAgentID}}
	}
	for _, ac := range agents {
		ag, err := agent.New(ac.ID,
			agent.WithRole(ac.Role),
			agent.WithEngine(a.engine),
			agent.WithHealthSource(a.registry),
			agent.WithToolFilter(newToolFilter(ac.AllowTools, ac.DenyTools)),
			agent.WithSnapshot(planner.Snapshot(ac.Snapshot)),
			agent.WithErrorMetrics(a.metrics.Errors()),
			agent.WithHealthInterval(ec.HealthInterval),
			agent.WithLogger(a.log.With(slog.String("agent", ac.ID))),
		)
		if err != nil {
			return nil, err
		}
		if err := rt.Register(ag); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func serve(ctx context.Context, a *app, cfgOpts config.Options, opts *runOptions) error {
	rt, err := buildRuntime(a)
	if err != nil {
		return newCommandError("run", "registering agents", err, "Check the agents section for duplicate ids.")
	}
	if err := rt.Start(ctx); err != nil {
		return newCommandError("run", "starting runtime", err, "")
	}

	if cfgOpts.Path != "" {
		watcher, err := config.NewWatcher(cfgOpts, config.WithWatchLogger(a.log))
		if err != nil {
			_ = rt.Stop(ctx)
			return newCommandError("run", "watching configuration", err, "")
		}
		watcher.OnChange(func(cfg *config.Config) {
			// The running engine keeps its wiring; changes apply on restart.
			a.log.Info("orchestrator.config.changed",
				slog.Int("tools", len(cfg.Tools)),
				slog.Int("agents", len(cfg.Agents)),
				slog.Bool("restart_required", true))
		})
		watcher.Start(ctx)
		defer watcher.Stop()
	}

	a.log.Info("orchestrator.run.start", slog.Int("units", len(rt.Units())))
	watchBreakers(ctx, a)

	shutdownCtx := context.WithoutCancel(ctx)
	if opts.emergencyStop {
		results := rt.EmergencyStop(shutdownCtx)
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		a.log.Warn("orchestrator.run.emergency_stop", slog.Int("signaled", len(results)), slog.Int("failed", failed))
		if failed > 0 {
			return fmt.Errorf("emergency stop: %d of %d units failed to roll back", failed, len(results))
		}
		return nil
	}
	a.log.Info("orchestrator.run.stop")
	return rt.Stop(shutdownCtx)
}

// watchBreakers records breaker gauges until ctx ends.
func watchBreakers(ctx context.Context, a *app) {
	interval := a.cfg.Engine.HealthInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := breakerSnapshots(ctx, a); err != nil {
				a.log.Warn("orchestrator.breaker.snapshot_failed", slog.String("error", err.Error()))
			}
		}
	}
}
