// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/governance"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/planner"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// Tools is the registry surface the engine drives. *tools.Registry implements it.
type Tools interface {
	Get(name string) (tools.Tool, bool)
	Run(ctx context.Context, name string, args map[string]any, opts core.RunOptions) (core.ToolResult, error)
	Rollback(ctx context.Context, name string, rollbackData any, opts core.RunOptions) (core.ToolResult, error)
}

var _ Tools = (*tools.Registry)(nil)

// Operation names passed to observers.
const (
	OpSubmit   = "submit"
	OpApprove  = "approve"
	OpRollback = "rollback"
	OpExpire   = "expire"
)

// Observer sees every engine operation once it settles. exec is nil when the
// operation failed before an execution existed.
type Observer func(ctx context.Context, op string, exec *Execution, err error)

// Engine runs the plan lifecycle:
//
//	planned -> verified -> [approval_pending] -> dry_run_validated -> applied
//
// with failed, rolled_back and expired as the other terminal states. All
// state is kept in the ExecutionStore, so approvals and rollbacks may be
// submitted by a different process than the one that planned.
type Engine struct {
	tools      Tools
	planner    *planner.Planner
	policy     *governance.PolicyEngine
	validator  governance.ApprovalValidator
	executions ExecutionStore
	audit      AuditStore
	routes     *RouteTable
	pendingTTL time.Duration
	clock      func() time.Time
	emitter    core.EventEmitter
	observers  []Observer
	log        *slog.Logger
	tracer     trace.Tracer
	locks      keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithPlanner sets the planner used by SubmitGoal.
func WithPlanner(p *planner.Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithPolicy sets the policy engine.
func WithPolicy(p *governance.PolicyEngine) Option {
	return func(e *Engine) { e.policy = p }
}

// WithApprovalValidator sets the approval gate.
func WithApprovalValidator(v governance.ApprovalValidator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithExecutionStore sets the execution store.
func WithExecutionStore(s ExecutionStore) Option {
	return func(e *Engine) { e.executions = s }
}

// WithAuditStore sets the audit store.
func WithAuditStore(s AuditStore) Option {
	return func(e *Engine) { e.audit = s }
}

// WithRoutes sets the action type to tool route table.
func WithRoutes(t *RouteTable) Option {
	return func(e *Engine) { e.routes = t }
}

// WithPendingTTL expires executions parked for approval longer than d.
// Zero keeps them pending until approved.
func WithPendingTTL(d time.Duration) Option {
	return func(e *Engine) { e.pendingTTL = d }
}

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithEventEmitter sets the lifecycle event sink.
func WithEventEmitter(em core.EventEmitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithObserver adds an operation observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// NewEngine creates an engine over a tool registry. Unset collaborators
// default to the in-memory stores, the placeholder approval gate and a
// policy engine without a tool filter.
func NewEngine(registry Tools, opts ...Option) *Engine {
	e := &Engine{
		tools:   registry,
		clock:   time.Now,
		emitter: core.NoopEventEmitter{},
		log:     slog.Default(),
		tracer:  otel.Tracer("orchestrator/engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.planner == nil {
		e.planner = planner.New()
	}
	if e.policy == nil {
		e.policy = governance.NewPolicyEngine()
	}
	if e.validator == nil {
		e.validator = governance.PlaceholderValidator{}
	}
	if e.executions == nil {
		e.executions = NewMemoryExecutionStore()
	}
	if e.audit == nil {
		e.audit = NewMemoryAuditStore()
	}
	return e
}

// SubmitGoal plans goal and submits the plan.
func (e *Engine) SubmitGoal(ctx context.Context, goal string, snapshot planner.Snapshot) (*Execution, error) {
	plan, err := e.planner.Plan(ctx, goal, snapshot)
	if err != nil {
		e.notify(ctx, OpSubmit, nil, err)
		return nil, err
	}
	return e.SubmitPlan(ctx, plan)
}

// SubmitPlan verifies and scores plan, then either parks it for approval or
// runs it through dry run and apply.
//
// Pending approval, verification failures and tool failures are reported in
// the returned Execution with a nil error. Malformed or unroutable plans are
// PLAN_VALIDATION errors. Exhausted credentials and open breakers are
// returned as errors alongside the failed execution so callers can back off.
func (e *Engine) SubmitPlan(ctx context.Context, plan *core.ExecutionPlan) (exec *Execution, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SubmitPlan")
	defer func() {
		endSpan(span, exec, err)
		e.notify(ctx, OpSubmit, exec, err)
	}()

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	bound, err := e.routes.bind(plan)
	if err != nil {
		return nil, err
	}
	for _, a := range bound.Actions {
		if _, ok := e.tools.Get(a.Tool); !ok {
			return nil, errors.PlanValidation(plan.ID, fmt.Sprintf("action %q routes to unknown tool %q", a.Type, a.Tool))
		}
	}

	ctx, id := core.EnsureExecutionID(ctx)
	if _, gerr := e.executions.Get(ctx, id); gerr == nil {
		// An id reused from the caller's context must not overwrite history.
		id = "exec-" + uuid.NewString()
		ctx = core.WithExecutionID(ctx, id)
	}
	span.SetAttributes(attribute.String("execution.id", id), attribute.String("plan.id", plan.ID))

	unlock := e.locks.lock(id)
	defer unlock()

	now := e.clock().UTC()
	exec = &Execution{
		ID:        id,
		Plan:      bound,
		Actions:   make([]ActionRecord, len(bound.Actions)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, a := range bound.Actions {
		exec.Actions[i] = ActionRecord{Index: i, Type: a.Type, Tool: a.Tool, Status: ActionPending}
	}
	e.log.Info("engine.submit.start",
		slog.String("execution_id", id),
		slog.String("plan_id", plan.ID),
		slog.Int("actions", len(bound.Actions)))

	if err := e.transition(ctx, exec, StatePlanned, "plan accepted", nil, core.EventPlanned); err != nil {
		return exec, err
	}

	exec.Verifications = e.policy.Verify(ctx, bound)
	if err := e.transition(ctx, exec, StateVerified, fmt.Sprintf("%d checks, %d failed", len(exec.Verifications), core.FailedCount(exec.Verifications)),
		map[string]any{"verifications": exec.Verifications}, core.EventVerified); err != nil {
		return exec, err
	}

	exec.Risk = e.policy.AssessRisk(bound, exec.Verifications)
	span.SetAttributes(attribute.Float64("risk.score", exec.Risk.Score), attribute.String("risk.level", string(exec.Risk.Level)))

	if !e.policy.Allows(bound, exec.Risk) {
		exec.Approvals = e.policy.RequiredApprovals(bound, exec.Risk)
		exec.PendingSince = e.clock().UTC()
		err := e.transition(ctx, exec, StateApprovalPending,
			fmt.Sprintf("%s risk (score %.2f) requires %d approval(s)", exec.Risk.Level, exec.Risk.Score, len(exec.Approvals)),
			map[string]any{"risk": exec.Risk, "approvals": exec.Approvals}, core.EventApprovalPending)
		return exec, err
	}
	return exec, e.run(ctx, exec)
}

// SubmitApproval presents token for the execution or plan named by ref.
// Every token is single use. A rejected token is an APPROVAL_REJECTED error
// and leaves the execution pending. Once every approval request is resolved
// the plan runs as in SubmitPlan.
func (e *Engine) SubmitApproval(ctx context.Context, ref, token string) (exec *Execution, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SubmitApproval")
	defer func() {
		endSpan(span, exec, err)
		e.notify(ctx, OpApprove, exec, err)
	}()

	found, err := e.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.lock(found.ID)
	defer unlock()
	if exec, err = e.executions.Get(ctx, found.ID); err != nil {
		return nil, err
	}
	ctx = core.WithExecutionID(ctx, exec.ID)
	span.SetAttributes(attribute.String("execution.id", exec.ID), attribute.String("plan.id", exec.PlanID()))

	if exec.State != StateApprovalPending {
		return exec, errors.InvalidState(exec.ID, string(exec.State), "approval")
	}
	if e.pendingExpired(exec) {
		if err := e.expire(ctx, exec); err != nil {
			return exec, err
		}
		return exec, errors.InvalidState(exec.ID, string(exec.State), "approval")
	}

	hash := tokenHash(token)
	if slices.Contains(exec.SpentTokens, hash) {
		return exec, e.reject(ctx, exec, errors.ApprovalRejected(exec.PlanID(), "approval token already used"))
	}
	exec.SpentTokens = append(exec.SpentTokens, hash)

	grant, verr := e.validator.Validate(ctx, exec.PlanID(), token)
	if verr != nil {
		return exec, e.reject(ctx, exec, errors.As(verr))
	}
	if !grant.Covers(exec.Risk.Level) {
		return exec, e.reject(ctx, exec, errors.ApprovalRejected(exec.PlanID(),
			fmt.Sprintf("approval covers up to %s risk, plan is %s", grant.MaxRisk, exec.Risk.Level)))
	}
	idx := pendingRequest(exec.Approvals, grant.Kind)
	if idx < 0 {
		return exec, e.reject(ctx, exec, errors.ApprovalRejected(exec.PlanID(),
			fmt.Sprintf("no pending %s approval", grant.Kind)))
	}

	req := &exec.Approvals[idx]
	req.Resolved = true
	req.ResolvedBy = grant.Subject
	req.ResolvedAt = e.clock().UTC()
	remaining := len(exec.PendingApprovals())
	if err := e.transition(ctx, exec, StateApprovalPending,
		fmt.Sprintf("%s approval granted by %s", req.Kind, grant.Subject),
		map[string]any{"approval_id": req.ID, "kind": string(req.Kind), "remaining": remaining},
		core.EventApprovalGranted); err != nil {
		return exec, err
	}
	if remaining > 0 {
		return exec, nil
	}
	return exec, e.run(ctx, exec)
}

// Rollback reverses every applied action of an applied execution, newest
// first. Actions are attempted even after an earlier one fails.
func (e *Engine) Rollback(ctx context.Context, executionID string) (exec *Execution, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Rollback", trace.WithAttributes(attribute.String("execution.id", executionID)))
	defer func() {
		endSpan(span, exec, err)
		e.notify(ctx, OpRollback, exec, err)
	}()

	unlock := e.locks.lock(executionID)
	defer unlock()
	if exec, err = e.executions.Get(ctx, executionID); err != nil {
		return nil, err
	}
	ctx = core.WithExecutionID(ctx, exec.ID)
	if exec.State != StateApplied {
		return exec, errors.InvalidState(exec.ID, string(exec.State), "rollback")
	}

	applied := make([]int, 0, len(exec.Actions))
	for i, a := range exec.Actions {
		if a.Status == ActionApplied {
			applied = append(applied, i)
		}
	}
	rbErr := e.rollbackActions(ctx, exec, applied)
	exec.RollbackAttempted = true
	exec.RollbackSucceeded = rbErr == nil
	if rbErr != nil {
		exec.Error = "manual rollback incomplete: " + rbErr.Error()
		if err := e.transition(ctx, exec, StateFailed, exec.Error, nil, core.EventFailed); err != nil {
			return exec, err
		}
		return exec, rbErr
	}
	err = e.transition(ctx, exec, StateRolledBack, "manual rollback", map[string]any{"actions": len(applied)}, core.EventRolledBack)
	return exec, err
}

// ExpireApprovals moves executions parked longer than the pending TTL to
// expired and returns how many it moved. It does nothing without a TTL.
func (e *Engine) ExpireApprovals(ctx context.Context) (int, error) {
	if e.pendingTTL <= 0 {
		return 0, nil
	}
	pending, err := e.executions.List(ctx, ExecutionFilter{State: StateApprovalPending})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, candidate := range pending {
		if !e.pendingExpired(candidate) {
			continue
		}
		expired, err := e.expireByID(ctx, candidate.ID)
		if err != nil {
			return n, err
		}
		if expired {
			n++
		}
	}
	return n, nil
}

func (e *Engine) expireByID(ctx context.Context, id string) (bool, error) {
	unlock := e.locks.lock(id)
	defer unlock()
	exec, err := e.executions.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if exec.State != StateApprovalPending || !e.pendingExpired(exec) {
		return false, nil
	}
	ctx = core.WithExecutionID(ctx, id)
	err = e.expire(ctx, exec)
	e.notify(ctx, OpExpire, exec, err)
	return err == nil, err
}

// Get returns an execution by id, or the newest execution of a plan id.
func (e *Engine) Get(ctx context.Context, ref string) (*Execution, error) {
	return e.lookup(ctx, ref)
}

// List returns stored executions, newest first.
func (e *Engine) List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	return e.executions.List(ctx, filter)
}

// Audit returns the transition log of one execution.
func (e *Engine) Audit(ctx context.Context, executionID string) ([]AuditEntry, error) {
	return e.audit.List(ctx, AuditFilter{ExecutionID: executionID})
}

func (e *Engine) lookup(ctx context.Context, ref string) (*Execution, error) {
	exec, err := e.executions.Get(ctx, ref)
	if err == nil {
		return exec, nil
	}
	if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}
	exec, perr := e.executions.FindByPlan(ctx, ref)
	if perr != nil {
		if errors.Is(perr, errors.CodeNotFound) {
			return nil, errors.NotFound("execution", ref)
		}
		return nil, perr
	}
	return exec, nil
}

// run executes the dry run then the apply phase of an approved or
// auto-allowed execution.
func (e *Engine) run(ctx context.Context, exec *Execution) error {
	if err := e.dryRun(ctx, exec); err != nil || exec.State == StateFailed {
		return err
	}
	return e.apply(ctx, exec)
}

func (e *Engine) options(exec *Execution, i int, dryRun bool) core.RunOptions {
	return core.RunOptions{
		DryRun:      dryRun,
		RiskLevel:   exec.Risk.Level,
		ExecutionID: exec.ID,
		ActionIndex: i,
	}
}

func (e *Engine) dryRun(ctx context.Context, exec *Execution) error {
	ctx, span := e.tracer.Start(ctx, "Engine.DryRun")
	defer span.End()

	for i, a := range exec.Plan.Actions {
		res, err := e.tools.Run(ctx, a.Tool, a.Args, e.options(exec, i, true))
		exec.Actions[i].DryRun = &res
		if err == nil && res.Success {
			exec.Actions[i].Status = ActionDryRunOK
			continue
		}
		exec.Actions[i].Status = ActionDryRunFailed
		exec.Error = fmt.Sprintf("dry run of action %d (%s) failed: %s", i, a.Type, res.Error)
		if terr := e.transition(ctx, exec, StateFailed, exec.Error,
			map[string]any{"phase": "dry_run", "action_index": i}, core.EventFailed); terr != nil {
			return terr
		}
		return raised(err)
	}
	return e.transition(ctx, exec, StateDryRunValidated,
		fmt.Sprintf("%d actions validated", len(exec.Actions)), nil, core.EventDryRunValidated)
}

func (e *Engine) apply(ctx context.Context, exec *Execution) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Apply")
	defer span.End()

	applied := make([]int, 0, len(exec.Plan.Actions))
	for i, a := range exec.Plan.Actions {
		res, err := e.tools.Run(ctx, a.Tool, a.Args, e.options(exec, i, false))
		exec.Actions[i].Apply = &res
		if err == nil && res.Success {
			exec.Actions[i].Status = ActionApplied
			applied = append(applied, i)
			continue
		}
		exec.Actions[i].Status = ActionApplyFailed
		return e.compensate(ctx, exec, i, res, err, applied)
	}
	return e.transition(ctx, exec, StateApplied,
		fmt.Sprintf("%d actions applied", len(applied)), nil, core.EventApplied)
}

// compensate rolls back the actions applied before action failed broke.
func (e *Engine) compensate(ctx context.Context, exec *Execution, failed int, res core.ToolResult, cause error, applied []int) error {
	a := exec.Plan.Actions[failed]
	e.log.Warn("engine.apply.failed",
		slog.String("execution_id", exec.ID),
		slog.Int("action_index", failed),
		slog.String("tool", a.Tool),
		slog.Int("rollback_actions", len(applied)),
		slog.String("error", res.Error))

	rbErr := e.rollbackActions(ctx, exec, applied)
	exec.RollbackAttempted = true
	exec.RollbackSucceeded = rbErr == nil
	outcome := "rollback succeeded"
	if rbErr != nil {
		outcome = "rollback failed: " + rbErr.Error()
	}
	exec.Error = fmt.Sprintf("apply of action %d (%s) failed: %s; %s", failed, a.Type, res.Error, outcome)
	detail := map[string]any{
		"phase":              "apply",
		"action_index":       failed,
		"rolled_back":        len(applied),
		"rollback_succeeded": exec.RollbackSucceeded,
	}

	if rbErr == nil {
		if err := e.transition(ctx, exec, StateRolledBack, exec.Error, detail, core.EventRolledBack); err != nil {
			return err
		}
		return raised(cause)
	}
	if err := e.transition(ctx, exec, StateFailed, exec.Error, detail, core.EventFailed); err != nil {
		return err
	}
	if errors.Is(rbErr, errors.CodeRollbackUnavailable) {
		return rbErr
	}
	return raised(cause)
}

// rollbackActions reverses the actions at indexes in reverse order and
// returns the first failure.
func (e *Engine) rollbackActions(ctx context.Context, exec *Execution, indexes []int) error {
	var first error
	for _, i := range slices.Backward(indexes) {
		a := exec.Plan.Actions[i]
		rec := &exec.Actions[i]
		var data any
		if rec.Apply != nil {
			data = rec.Apply.RollbackData
		}
		if data == nil && e.nothingToReverse(a) {
			rec.Status = ActionNothingToReverse
			continue
		}
		res, err := e.tools.Rollback(ctx, a.Tool, data, e.options(exec, i, false))
		rec.Rollback = &res
		if err == nil && res.Success {
			rec.Status = ActionRolledBack
			continue
		}
		rec.Status = ActionRollbackFailed
		if err == nil {
			err = errors.ToolExecution(a.Tool, fmt.Errorf("%s", res.Error))
		}
		e.log.Error("engine.rollback.failed",
			slog.String("execution_id", exec.ID),
			slog.Int("action_index", i),
			slog.String("tool", a.Tool),
			slog.String("error", err.Error()))
		if first == nil {
			first = err
		}
	}
	return first
}

// nothingToReverse reports whether an applied action without rollback data
// left no mutation behind.
func (e *Engine) nothingToReverse(a core.Action) bool {
	if !a.Mutating() {
		return true
	}
	t, ok := e.tools.Get(a.Tool)
	if !ok {
		return false
	}
	ro, ok := t.(tools.ReadOnly)
	return ok && ro.ReadOnly()
}

func (e *Engine) reject(ctx context.Context, exec *Execution, err *errors.Error) error {
	e.log.Warn("engine.approval.rejected",
		slog.String("execution_id", exec.ID),
		slog.String("plan_id", exec.PlanID()),
		slog.String("reason", err.Message))
	if terr := e.transition(ctx, exec, StateApprovalPending, "approval rejected: "+err.Message, nil, core.EventApprovalRejected); terr != nil {
		return terr
	}
	return err
}

func (e *Engine) pendingExpired(exec *Execution) bool {
	if e.pendingTTL <= 0 || exec.PendingSince.IsZero() {
		return false
	}
	return !e.clock().Before(exec.PendingSince.Add(e.pendingTTL))
}

func (e *Engine) expire(ctx context.Context, exec *Execution) error {
	exec.Error = fmt.Sprintf("approval not received within %s", e.pendingTTL)
	return e.transition(ctx, exec, StateExpired, exec.Error, nil, core.EventExpired)
}

// transition moves exec to state, persists it, records the audit entry and
// emits the event. Only the persistence error is returned.
func (e *Engine) transition(ctx context.Context, exec *Execution, to State, reason string, detail map[string]any, event core.EventType) error {
	from := exec.State
	exec.State = to
	exec.UpdatedAt = e.clock().UTC()
	if err := e.executions.Save(ctx, exec); err != nil {
		return errors.New(errors.CodeInternal, "persist execution", err).WithContext("execution_id", exec.ID)
	}

	entry := AuditEntry{
		ExecutionID: exec.ID,
		PlanID:      exec.PlanID(),
		From:        from,
		To:          to,
		Reason:      reason,
		Detail:      detail,
		At:          exec.UpdatedAt,
	}
	if err := e.audit.Record(ctx, entry); err != nil {
		e.log.Error("engine.audit.failed", slog.String("execution_id", exec.ID), slog.String("error", err.Error()))
	}

	payload := map[string]any{"from": string(from), "to": string(to), "reason": reason}
	for k, v := range detail {
		payload[k] = v
	}
	e.emitter.Emit(ctx, core.NewEvent(event, exec.ID, exec.PlanID(), payload))
	e.log.Debug("engine.transition",
		slog.String("execution_id", exec.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason))
	return nil
}

func (e *Engine) notify(ctx context.Context, op string, exec *Execution, err error) {
	for _, o := range e.observers {
		o(ctx, op, exec, err)
	}
}

// raised filters tool failures down to the ones callers must see as errors:
// exhausted or expired credentials and open breakers.
func raised(err error) error {
	if err == nil {
		return nil
	}
	for _, code := range []errors.ErrorCode{errors.CodeSecretNotFound, errors.CodeSecretExpired, errors.CodeCircuitOpen} {
		if errors.Is(err, code) {
			return err
		}
	}
	return nil
}

// pendingRequest returns the index of the request a grant resolves: the
// first unresolved one of kind, or the first unresolved one if kind is empty.
func pendingRequest(reqs []core.ApprovalRequest, kind core.ApprovalKind) int {
	for i, r := range reqs {
		if !r.Resolved && (kind == "" || r.Kind == kind) {
			return i
		}
	}
	return -1
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

func endSpan(span trace.Span, exec *Execution, err error) {
	if exec != nil {
		span.SetAttributes(attribute.String("execution.state", string(exec.State)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
