// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// RunFunc is the signature of an in-process run.
type RunFunc func(ctx context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error)

// RollbackFunc is the signature of an in-process rollback.
type RollbackFunc func(ctx context.Context, rollbackData any, opts core.RunOptions) (core.ToolResult, error)

// Func adapts plain functions to Tool.
type Func struct {
	ToolName   string
	RunFn      RunFunc
	RollbackFn RollbackFunc
	HealthFn   func(ctx context.Context) error
	IsReadOnly bool
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Run implements Tool.
func (f *Func) Run(ctx context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error) {
	if f.RunFn == nil {
		return core.Failed("tool has no run function"), nil
	}
	return f.RunFn(ctx, args, opts)
}

// Rollback implements Rollbacker.
func (f *Func) Rollback(ctx context.Context, rollbackData any, opts core.RunOptions) (core.ToolResult, error) {
	if f.RollbackFn == nil {
		return core.ToolResult{}, errors.RollbackUnavailable(f.ToolName, "tool has no rollback function")
	}
	return f.RollbackFn(ctx, rollbackData, opts)
}

// HealthCheck implements HealthChecker.
func (f *Func) HealthCheck(ctx context.Context) error {
	if f.HealthFn == nil {
		return nil
	}
	return f.HealthFn(ctx)
}

// ReadOnly implements ReadOnly.
func (f *Func) ReadOnly() bool { return f.IsReadOnly }

// Noop records calls without touching anything. It honors the full contract:
// dry runs describe the call, applies return rollback data, rollbacks succeed.
type Noop struct {
	name string
}

// NewNoop creates a noop tool.
func NewNoop(name string) *Noop { return &Noop{name: name} }

// Name implements Tool.
func (n *Noop) Name() string { return n.name }

// Run implements Tool.
func (n *Noop) Run(_ context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error) {
	if opts.DryRun {
		return core.ToolResult{
			Success: true,
			Diff:    fmt.Sprintf("%s would apply action %d with %s", n.name, opts.ActionIndex, DescribeArgs(args)),
		}, nil
	}
	return core.ToolResult{
		Success: true,
		Data:    map[string]any{"applied_at": time.Now().UTC().Format(time.RFC3339Nano)},
		RollbackData: map[string]any{
			"execution_id": opts.ExecutionID,
			"action_index": opts.ActionIndex,
		},
	}, nil
}

// Rollback implements Rollbacker.
func (n *Noop) Rollback(_ context.Context, rollbackData any, _ core.RunOptions) (core.ToolResult, error) {
	return core.ToolResult{Success: true, Data: rollbackData}, nil
}

var (
	_ Tool          = (*Func)(nil)
	_ Rollbacker    = (*Func)(nil)
	_ HealthChecker = (*Func)(nil)
	_ ReadOnly      = (*Func)(nil)
	_ Tool          = (*Noop)(nil)
	_ Rollbacker    = (*Noop)(nil)
)
