// SPDX-License-Identifier: Apache-2.0

// Package agent implements the concrete runtime unit: an agent owns one
// domain of actions, runs goals through the execution engine and keeps the
// executions it applied so an emergency stop can reverse them.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/governance"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/planner"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/runtime"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/telemetry"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// Engine is the part of the execution engine an agent drives.
type Engine interface {
	SubmitGoal(ctx context.Context, goal string, snapshot planner.Snapshot) (*orchestrator.Execution, error)
	SubmitPlan(ctx context.Context, plan *core.ExecutionPlan) (*orchestrator.Execution, error)
	SubmitApproval(ctx context.Context, ref, token string) (*orchestrator.Execution, error)
	Rollback(ctx context.Context, executionID string) (*orchestrator.Execution, error)
}

var _ Engine = (*orchestrator.Engine)(nil)

// HealthSource reports tool health. *tools.Registry satisfies it.
type HealthSource interface {
	HealthCheckAll(ctx context.Context) map[string]tools.HealthReport
}

var _ HealthSource = (*tools.Registry)(nil)

// Goal is a free-text goal with an optional system snapshot.
type Goal struct {
	Text     string           `json:"goal"`
	Snapshot planner.Snapshot `json:"snapshot,omitempty"`
}

// Approval carries an approval token for a pending execution. Ref is an
// execution id or a plan id.
type Approval struct {
	Ref   string `json:"ref"`
	Token string `json:"token"`
}

// Agent is a runtime unit backed by the execution engine.
type Agent struct {
	id       string
	role     string
	engine   Engine
	health   HealthSource
	filter   *governance.ToolFilter
	defaults planner.Snapshot
	metrics  *telemetry.ErrorMetrics
	log      *slog.Logger
	tracer   trace.Tracer

	healthInterval time.Duration
	clock          func() time.Time

	mu      sync.Mutex
	applied []string
	last    core.HealthResult
}

var (
	_ runtime.Unit     = (*Agent)(nil)
	_ runtime.Receiver = (*Agent)(nil)
)

// DefaultHealthInterval is how long a health result is reused.
const DefaultHealthInterval = 5 * time.Second

// Option configures an Agent instance.
type Option func(*Agent) error

// New creates a new Agent with a required id and options.
func New(id string, opts ...Option) (*Agent, error) {
	a := &Agent{
		id:             id,
		healthInterval: DefaultHealthInterval,
		clock:          time.Now,
		log:            slog.Default(),
		tracer:         otel.Tracer("orchestrator/agent"),
	}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	if a.id == "" {
		return nil, errors.New(errors.CodeInvalidInput, "agent id is required", nil)
	}
	if a.engine == nil {
		return nil, errors.New(errors.CodeInvalidInput, "agent engine is required", nil).
			WithContext("agent_id", a.id)
	}
	a.log = a.log.With(slog.String("agent_id", a.id))
	return a, nil
}

// WithRole sets the agent role.
func WithRole(role string) Option {
	return func(a *Agent) error {
		a.role = role
		return nil
	}
}

// WithEngine sets the engine the agent submits work to.
func WithEngine(e Engine) Option {
	return func(a *Agent) error {
		a.engine = e
		return nil
	}
}

// WithHealthSource sets where tool health comes from.
func WithHealthSource(h HealthSource) Option {
	return func(a *Agent) error {
		a.health = h
		return nil
	}
}

// WithToolFilter restricts the tools the agent owns. Plans naming a tool
// outside the filter are refused and only owned tools count towards health.
func WithToolFilter(f *governance.ToolFilter) Option {
	return func(a *Agent) error {
		a.filter = f
		return nil
	}
}

// WithSnapshot sets snapshot defaults merged under every goal's snapshot.
func WithSnapshot(s planner.Snapshot) Option {
	return func(a *Agent) error {
		a.defaults = maps.Clone(s)
		return nil
	}
}

// WithErrorMetrics records failures and health through m.
func WithErrorMetrics(m *telemetry.ErrorMetrics) Option {
	return func(a *Agent) error {
		a.metrics = m
		return nil
	}
}

// WithHealthInterval sets how long a health result is cached.
func WithHealthInterval(d time.Duration) Option {
	return func(a *Agent) error {
		if d < 0 {
			return errors.New(errors.CodeInvalidInput, "health interval must not be negative", nil)
		}
		a.healthInterval = d
		return nil
	}
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(a *Agent) error {
		a.clock = clock
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) error {
		if l != nil {
			a.log = l
		}
		return nil
	}
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Role returns the agent role.
func (a *Agent) Role() string { return a.role }

// Status is active while the agent holds applied executions and idle
// otherwise.
func (a *Agent) Status() runtime.UnitStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.applied) > 0 {
		return runtime.UnitActive
	}
	return runtime.UnitIdle
}

// Applied returns the ids of executions the agent applied and has not yet
// reversed, oldest first.
func (a *Agent) Applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.applied)
}

// Execute runs payload through the engine. payload is a goal string, a Goal,
// an *core.ExecutionPlan or an Approval. The result is the *orchestrator.Execution.
func (a *Agent) Execute(ctx context.Context, payload any) (any, error) {
	ctx, span := a.tracer.Start(ctx, "Agent.Execute", trace.WithAttributes(
		attribute.String("agent.id", a.id),
		attribute.String("agent.role", a.role),
	))
	defer span.End()

	exec, err := a.submit(ctx, payload)
	if exec != nil {
		span.SetAttributes(telemetry.ExecutionAttributes(exec)...)
		a.track(exec)
	}
	if err != nil {
		span.RecordError(err)
		a.metrics.RecordErrorMetric(ctx, err, a.component())
		a.log.Warn("agent.execute.error", slog.String("error", err.Error()))
		if exec == nil {
			return nil, err
		}
		return exec, err
	}
	a.log.Info("agent.execute.complete",
		slog.String("execution_id", exec.ID),
		slog.String("state", string(exec.State)))
	return exec, nil
}

func (a *Agent) submit(ctx context.Context, payload any) (*orchestrator.Execution, error) {
	switch p := payload.(type) {
	case string:
		return a.engine.SubmitGoal(ctx, p, a.snapshot(nil))
	case Goal:
		return a.engine.SubmitGoal(ctx, p.Text, a.snapshot(p.Snapshot))
	case *Goal:
		if p == nil {
			break
		}
		return a.engine.SubmitGoal(ctx, p.Text, a.snapshot(p.Snapshot))
	case *core.ExecutionPlan:
		if p == nil {
			break
		}
		if err := a.owns(ctx, p); err != nil {
			return nil, err
		}
		return a.engine.SubmitPlan(ctx, p)
	case Approval:
		return a.engine.SubmitApproval(ctx, p.Ref, p.Token)
	case *Approval:
		if p == nil {
			break
		}
		return a.engine.SubmitApproval(ctx, p.Ref, p.Token)
	}
	return nil, errors.New(errors.CodeInvalidInput, "unsupported agent payload", nil).
		WithContext("agent_id", a.id).
		WithContext("payload_type", fmt.Sprintf("%T", payload))
}

// Receive handles non-command messages. Events carrying an Approval are
// submitted to the engine; everything else is logged and ignored.
func (a *Agent) Receive(ctx context.Context, msg runtime.Message) error {
	if msg.Type == runtime.MessageEvent {
		switch msg.Payload.(type) {
		case Approval, *Approval:
			_, err := a.Execute(ctx, msg.Payload)
			return err
		}
	}
	a.log.Debug("agent.message.ignored",
		slog.String("message_id", msg.ID),
		slog.String("type", string(msg.Type)),
		slog.String("from", msg.From))
	return nil
}

// Rollback reverses every execution the agent applied, newest first. A failed
// reversal does not stop the others; the first error is returned. Executions
// reversed elsewhere in the meantime are skipped.
func (a *Agent) Rollback(ctx context.Context) error {
	a.mu.Lock()
	ids := a.applied
	a.applied = nil
	a.mu.Unlock()

	ctx, span := a.tracer.Start(ctx, "Agent.Rollback", trace.WithAttributes(
		attribute.String("agent.id", a.id),
		attribute.Int("executions", len(ids)),
	))
	defer span.End()

	var first error
	for _, id := range slices.Backward(ids) {
		exec, err := a.engine.Rollback(ctx, id)
		switch {
		case errors.Is(err, errors.CodeInvalidState):
			a.log.Debug("agent.rollback.skip", slog.String("execution_id", id))
			continue
		case err != nil:
			a.log.Error("agent.rollback.error", slog.String("execution_id", id), slog.String("error", err.Error()))
			a.metrics.RecordErrorMetric(ctx, err, a.component())
			if first == nil {
				first = err
			}
			continue
		}
		a.log.Info("agent.rollback.complete", slog.String("execution_id", id), slog.String("state", string(exec.State)))
	}
	if first != nil {
		span.RecordError(first)
	}
	return first
}

func (a *Agent) track(exec *orchestrator.Execution) {
	if exec.State != orchestrator.StateApplied {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.applied, exec.ID) {
		a.applied = append(a.applied, exec.ID)
	}
}

func (a *Agent) snapshot(s planner.Snapshot) planner.Snapshot {
	if len(a.defaults) == 0 {
		return s
	}
	out := maps.Clone(a.defaults)
	maps.Copy(out, s)
	return out
}

func (a *Agent) owns(ctx context.Context, plan *core.ExecutionPlan) error {
	if a.filter == nil {
		return nil
	}
	for _, act := range plan.Actions {
		if act.Tool == "" {
			continue
		}
		if d := a.filter.IsAllowed(ctx, act.Tool); !d.IsAllowed() {
			return errors.PlanValidation(plan.ID, "tool "+act.Tool+" is not owned by agent "+a.id).
				WithContext("agent_id", a.id).
				WithContext("tool", act.Tool)
		}
	}
	return nil
}

func (a *Agent) component() string { return "agent:" + a.id }
