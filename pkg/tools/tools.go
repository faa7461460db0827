// SPDX-License-Identifier: Apache-2.0
// Package tools defines the uniform run/rollback/health contract for external
// integrations and the registry that guards every call with a breaker, a rate
// limiter and a timeout.
package tools

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
)

// Tool is one external integration.
//
// Run must honor opts.DryRun: a dry run performs no side effect and returns a
// Diff describing what would happen. A real apply that mutates state returns
// RollbackData sufficient to undo it. Transport failures are returned as
// errors; business failures as a result with Success false and a non-empty Error.
type Tool interface {
	Name() string
	Run(ctx context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error)
}

// Rollbacker is implemented by tools that can reverse an applied mutation.
type Rollbacker interface {
	Rollback(ctx context.Context, rollbackData any, opts core.RunOptions) (core.ToolResult, error)
}

// HealthChecker is implemented by tools that can check their dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadOnly is implemented by tools that never mutate external state.
type ReadOnly interface {
	ReadOnly() bool
}

// Phase labels a registry call for telemetry.
type Phase string

const (
	PhaseDryRun   Phase = "dry_run"
	PhaseApply    Phase = "apply"
	PhaseRollback Phase = "rollback"
	PhaseHealth   Phase = "health"
)

// PhaseFor returns the phase of a run call.
func PhaseFor(opts core.RunOptions) Phase {
	if opts.DryRun {
		return PhaseDryRun
	}
	return PhaseApply
}

// CallEvent describes one completed registry call.
type CallEvent struct {
	Tool     string
	Phase    Phase
	Success  bool
	Duration time.Duration
	Err      error
}

// CallObserver receives every completed call.
type CallObserver func(ctx context.Context, ev CallEvent)

// HealthReport is the health of one tool.
type HealthReport struct {
	Healthy        bool   `json:"healthy"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// Info describes a registered tool.
type Info struct {
	Name        string `json:"name"`
	CanRollback bool   `json:"can_rollback"`
	CanHealth   bool   `json:"can_health"`
	ReadOnly    bool   `json:"read_only"`
	Breaker     string `json:"breaker"`
}

// IdempotencyKey derives the per-action key adapters send to systems that
// support idempotent requests. Retries of the same action reuse the key.
func IdempotencyKey(opts core.RunOptions, phase Phase) string {
	return fmt.Sprintf("%s:%d:%s", opts.ExecutionID, opts.ActionIndex, phase)
}

// DescribeArgs renders args deterministically for dry-run diffs.
func DescribeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	b.WriteString("{")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, args[k])
	}
	b.WriteString("}")
	return b.String()
}
