// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/governance"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/planner"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// call is one recorded tool invocation.
type call struct {
	phase tools.Phase
	index int
}

// recorder is an in-process tool that logs every call and fails on demand.
type recorder struct {
	mu    sync.Mutex
	calls []call

	failDryRunAt   int
	failApplyAt    int
	failRollback   bool
	noRollbackData bool
}

func newRecorder() *recorder {
	return &recorder{failDryRunAt: -1, failApplyAt: -1}
}

func (r *recorder) record(phase tools.Phase, index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{phase: phase, index: index})
}

func (r *recorder) phase(p tools.Phase) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, c := range r.calls {
		if c.phase == p {
			out = append(out, c.index)
		}
	}
	return out
}

func (r *recorder) tool(name string) *tools.Func {
	return &tools.Func{
		ToolName: name,
		RunFn: func(_ context.Context, args map[string]any, opts core.RunOptions) (core.ToolResult, error) {
			r.record(tools.PhaseFor(opts), opts.ActionIndex)
			if opts.DryRun {
				if opts.ActionIndex == r.failDryRunAt {
					return core.Failed("target does not exist"), nil
				}
				return core.ToolResult{Success: true, Diff: "would apply " + tools.DescribeArgs(args)}, nil
			}
			if opts.ActionIndex == r.failApplyAt {
				return core.Failed("apply exploded"), nil
			}
			res := core.ToolResult{Success: true}
			if !r.noRollbackData {
				res.RollbackData = map[string]any{"index": opts.ActionIndex}
			}
			return res, nil
		},
		RollbackFn: func(_ context.Context, _ any, opts core.RunOptions) (core.ToolResult, error) {
			r.record(tools.PhaseRollback, opts.ActionIndex)
			if r.failRollback {
				return core.Failed("rollback refused"), nil
			}
			return core.ToolResult{Success: true}, nil
		},
	}
}

// capture collects emitted events.
type capture struct {
	mu     sync.Mutex
	events []core.Event
}

func (c *capture) Emit(_ context.Context, ev core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capture) types() []core.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.EventType, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T, rec *recorder, opts ...Option) *Engine {
	t.Helper()
	reg := tools.NewRegistry()
	if err := reg.Register(rec.tool("infra")); err != nil {
		t.Fatal(err)
	}
	routes, err := NewRouteTable(nil, "infra")
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(reg, append([]Option{WithRoutes(routes)}, opts...)...)
}

func lowPlan(n int) *core.ExecutionPlan {
	actions := make([]core.Action, n)
	for i := range actions {
		actions[i] = core.Action{Type: "create_item", Args: map[string]any{"n": i}}
	}
	return core.NewPlan("create items", "creation", actions)
}

func mediumPlan() *core.ExecutionPlan {
	return core.NewPlan("deploy service", "deployment", []core.Action{
		{Type: "deploy_service", Args: map[string]any{"target": "api"}},
	})
}

func highPlan() *core.ExecutionPlan {
	return core.NewPlan("delete production secret", "deletion", []core.Action{
		{Type: "delete_secret", Args: map[string]any{"target": "api-key"}},
	})
}

func states(t *testing.T, e *Engine, execID string) []State {
	t.Helper()
	entries, err := e.Audit(context.Background(), execID)
	if err != nil {
		t.Fatal(err)
	}
	var out []State
	for _, en := range entries {
		if len(out) == 0 || out[len(out)-1] != en.To {
			out = append(out, en.To)
		}
	}
	return out
}

func TestEngine_LowRiskRunsToApplied(t *testing.T) {
	rec := newRecorder()
	events := &capture{}
	e := newTestEngine(t, rec, WithEventEmitter(events))

	exec, err := e.SubmitPlan(context.Background(), lowPlan(3))
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	if exec.State != StateApplied {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if exec.Risk.Level != core.RiskLow {
		t.Errorf("risk = %+v", exec.Risk)
	}
	if len(exec.Verifications) != 3 {
		t.Errorf("verifications kept = %d", len(exec.Verifications))
	}
	for _, a := range exec.Actions {
		if a.Status != ActionApplied || a.Tool != "infra" {
			t.Errorf("action %d = %+v", a.Index, a)
		}
	}

	// Every dry run happens before the first apply.
	want := []call{
		{tools.PhaseDryRun, 0}, {tools.PhaseDryRun, 1}, {tools.PhaseDryRun, 2},
		{tools.PhaseApply, 0}, {tools.PhaseApply, 1}, {tools.PhaseApply, 2},
	}
	if !slices.Equal(rec.calls, want) {
		t.Errorf("calls = %v", rec.calls)
	}

	wantStates := []State{StatePlanned, StateVerified, StateDryRunValidated, StateApplied}
	if got := states(t, e, exec.ID); !slices.Equal(got, wantStates) {
		t.Errorf("audit states = %v", got)
	}
	wantEvents := []core.EventType{core.EventPlanned, core.EventVerified, core.EventDryRunValidated, core.EventApplied}
	if got := events.types(); !slices.Equal(got, wantEvents) {
		t.Errorf("events = %v", got)
	}
}

func TestEngine_MediumRiskParksForApproval(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, rec)
	ctx := context.Background()

	exec, err := e.SubmitPlan(ctx, mediumPlan())
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	if exec.State != StateApprovalPending {
		t.Fatalf("state = %s", exec.State)
	}
	if len(exec.Approvals) != 1 || exec.Approvals[0].Kind != core.ApprovalUI {
		t.Fatalf("approvals = %+v", exec.Approvals)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("tools called before approval: %v", rec.calls)
	}

	exec, err = e.SubmitApproval(ctx, exec.ID, "approved-by-operator")
	if err != nil {
		t.Fatalf("SubmitApproval: %v", err)
	}
	if exec.State != StateApplied {
		t.Fatalf("state after approval = %s (%s)", exec.State, exec.Error)
	}
	if !exec.Approvals[0].Resolved || exec.Approvals[0].ResolvedBy != "placeholder" {
		t.Errorf("approval not resolved: %+v", exec.Approvals[0])
	}
	want := []State{StatePlanned, StateVerified, StateApprovalPending, StateDryRunValidated, StateApplied}
	if got := states(t, e, exec.ID); !slices.Equal(got, want) {
		t.Errorf("audit states = %v", got)
	}
}

func TestEngine_ApprovalRejections(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, rec)
	ctx := context.Background()

	exec, err := e.SubmitPlan(ctx, mediumPlan())
	if err != nil {
		t.Fatal(err)
	}
	for _, token := range []string{"", "short", "invalid_abcdefghij"} {
		t.Run(fmt.Sprintf("token=%q", token), func(t *testing.T) {
			got, err := e.SubmitApproval(ctx, exec.ID, token)
			if !errors.Is(err, errors.CodeApprovalRejected) {
				t.Fatalf("err = %v", err)
			}
			if got.State != StateApprovalPending {
				t.Errorf("state = %s", got.State)
			}
		})
	}
	if len(rec.calls) != 0 {
		t.Fatalf("rejected tokens reached tools: %v", rec.calls)
	}

	// A rejected token stays spent even if it were valid later.
	if _, err := e.SubmitApproval(ctx, exec.ID, "short"); !errors.Is(err, errors.CodeApprovalRejected) {
		t.Fatalf("reused token err = %v", err)
	}
}

func TestEngine_ApprovalByPlanID(t *testing.T) {
	e := newTestEngine(t, newRecorder())
	ctx := context.Background()
	plan := mediumPlan()
	if _, err := e.SubmitPlan(ctx, plan); err != nil {
		t.Fatal(err)
	}
	exec, err := e.SubmitApproval(ctx, plan.ID, "approved-by-operator")
	if err != nil {
		t.Fatal(err)
	}
	if exec.State != StateApplied || exec.PlanID() != plan.ID {
		t.Fatalf("exec = %s %s", exec.State, exec.PlanID())
	}
}

func TestEngine_ApprovalOutsidePendingState(t *testing.T) {
	e := newTestEngine(t, newRecorder())
	ctx := context.Background()
	exec, err := e.SubmitPlan(ctx, lowPlan(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitApproval(ctx, exec.ID, "approved-by-operator"); !errors.Is(err, errors.CodeInvalidState) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.SubmitApproval(ctx, "missing", "approved-by-operator"); !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("missing err = %v", err)
	}
}

func TestEngine_HighRiskNeedsEveryApproval(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	validator, err := governance.NewSignedApprovalValidator(secret)
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	e := newTestEngine(t, rec, WithApprovalValidator(validator))
	ctx := context.Background()

	exec, err := e.SubmitPlan(ctx, highPlan())
	if err != nil {
		t.Fatal(err)
	}
	if exec.Risk.Level != core.RiskHigh {
		t.Fatalf("risk = %+v", exec.Risk)
	}
	kinds := []core.ApprovalKind{}
	for _, a := range exec.Approvals {
		kinds = append(kinds, a.Kind)
	}
	if !slices.Equal(kinds, []core.ApprovalKind{core.ApprovalOwner, core.ApprovalSecurity}) {
		t.Fatalf("approval kinds = %v", kinds)
	}

	issue := func(kind core.ApprovalKind, max core.RiskLevel) string {
		tok, err := governance.IssueApprovalToken(secret, exec.PlanID(), "alice", kind, max, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	// An approver capped at MEDIUM cannot clear a HIGH plan.
	if _, err := e.SubmitApproval(ctx, exec.ID, issue(core.ApprovalOwner, core.RiskMedium)); !errors.Is(err, errors.CodeApprovalRejected) {
		t.Fatalf("capped approver err = %v", err)
	}

	owner := issue(core.ApprovalOwner, core.RiskHigh)
	got, err := e.SubmitApproval(ctx, exec.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateApprovalPending || len(got.PendingApprovals()) != 1 {
		t.Fatalf("after owner: state %s pending %d", got.State, len(got.PendingApprovals()))
	}
	if _, err := e.SubmitApproval(ctx, exec.ID, owner); !errors.Is(err, errors.CodeApprovalRejected) {
		t.Fatalf("replayed token err = %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatal("tools ran before every approval was resolved")
	}

	got, err = e.SubmitApproval(ctx, exec.ID, issue(core.ApprovalSecurity, ""))
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateApplied {
		t.Fatalf("state = %s (%s)", got.State, got.Error)
	}
}

func TestEngine_DryRunFailureIsTerminal(t *testing.T) {
	rec := newRecorder()
	rec.failDryRunAt = 1
	e := newTestEngine(t, rec)

	exec, err := e.SubmitPlan(context.Background(), lowPlan(3))
	if err != nil {
		t.Fatalf("tool failures are results, got %v", err)
	}
	if exec.State != StateFailed {
		t.Fatalf("state = %s", exec.State)
	}
	if got := rec.phase(tools.PhaseApply); len(got) != 0 {
		t.Fatalf("apply ran after failed dry run: %v", got)
	}
	wantStatus := []ActionStatus{ActionDryRunOK, ActionDryRunFailed, ActionPending}
	for i, a := range exec.Actions {
		if a.Status != wantStatus[i] {
			t.Errorf("action %d status = %s", i, a.Status)
		}
	}
	if exec.Error == "" || exec.RollbackAttempted {
		t.Errorf("exec = %+v", exec)
	}
}

func TestEngine_ApplyFailureRollsBackAppliedActions(t *testing.T) {
	rec := newRecorder()
	rec.failApplyAt = 2
	e := newTestEngine(t, rec)

	exec, err := e.SubmitPlan(context.Background(), lowPlan(4))
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	if exec.State != StateRolledBack {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if !exec.RollbackAttempted || !exec.RollbackSucceeded {
		t.Errorf("rollback flags = %v %v", exec.RollbackAttempted, exec.RollbackSucceeded)
	}
	if got := rec.phase(tools.PhaseRollback); !slices.Equal(got, []int{1, 0}) {
		t.Errorf("rollback order = %v", got)
	}
	if got := rec.phase(tools.PhaseApply); !slices.Equal(got, []int{0, 1, 2}) {
		t.Errorf("applies = %v", got)
	}
	wantStatus := []ActionStatus{ActionRolledBack, ActionRolledBack, ActionApplyFailed, ActionDryRunOK}
	for i, a := range exec.Actions {
		if a.Status != wantStatus[i] {
			t.Errorf("action %d status = %s", i, a.Status)
		}
	}
}

func TestEngine_RollbackFailureLeavesFailed(t *testing.T) {
	rec := newRecorder()
	rec.failApplyAt = 1
	rec.failRollback = true
	e := newTestEngine(t, rec)

	exec, err := e.SubmitPlan(context.Background(), lowPlan(2))
	if err != nil {
		t.Fatalf("SubmitPlan: %v", err)
	}
	if exec.State != StateFailed || exec.RollbackSucceeded || !exec.RollbackAttempted {
		t.Fatalf("exec = %s attempted=%v succeeded=%v", exec.State, exec.RollbackAttempted, exec.RollbackSucceeded)
	}
	if exec.Actions[0].Status != ActionRollbackFailed {
		t.Errorf("action 0 = %s", exec.Actions[0].Status)
	}
}

func TestEngine_MissingRollbackDataIsFatal(t *testing.T) {
	rec := newRecorder()
	rec.failApplyAt = 1
	rec.noRollbackData = true
	e := newTestEngine(t, rec)

	exec, err := e.SubmitPlan(context.Background(), lowPlan(2))
	if !errors.Is(err, errors.CodeRollbackUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if exec.State != StateFailed || exec.RollbackSucceeded {
		t.Fatalf("exec = %s succeeded=%v", exec.State, exec.RollbackSucceeded)
	}
	if got := rec.phase(tools.PhaseRollback); len(got) != 0 {
		t.Errorf("tool rollback called without data: %v", got)
	}
}

func TestEngine_NonMutatingActionsNeedNoRollbackData(t *testing.T) {
	rec := newRecorder()
	rec.noRollbackData = true
	rec.failApplyAt = 1
	e := newTestEngine(t, rec)

	plan := core.NewPlan("inspect logs", "analysis", []core.Action{
		{Type: "read_logs"},
		{Type: "analyze_logs"},
	})
	exec, err := e.SubmitPlan(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	if exec.State != StateRolledBack {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if exec.Actions[0].Status != ActionNothingToReverse {
		t.Errorf("action 0 = %s", exec.Actions[0].Status)
	}
}

func TestEngine_ManualRollback(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, rec)
	ctx := context.Background()

	exec, err := e.SubmitPlan(ctx, lowPlan(3))
	if err != nil {
		t.Fatal(err)
	}
	exec, err = e.Rollback(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if exec.State != StateRolledBack || !exec.RollbackSucceeded {
		t.Fatalf("exec = %s", exec.State)
	}
	if got := rec.phase(tools.PhaseRollback); !slices.Equal(got, []int{2, 1, 0}) {
		t.Errorf("rollback order = %v", got)
	}
	if _, err := e.Rollback(ctx, exec.ID); !errors.Is(err, errors.CodeInvalidState) {
		t.Fatalf("second rollback err = %v", err)
	}
}

func TestEngine_ExpireApprovals(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	t.Run("without ttl nothing expires", func(t *testing.T) {
		e := newTestEngine(t, newRecorder(), WithClock(clock.Now))
		if _, err := e.SubmitPlan(ctx, mediumPlan()); err != nil {
			t.Fatal(err)
		}
		clock.Advance(24 * time.Hour)
		n, err := e.ExpireApprovals(ctx)
		if err != nil || n != 0 {
			t.Fatalf("expired %d, %v", n, err)
		}
	})

	t.Run("ttl expires parked executions", func(t *testing.T) {
		events := &capture{}
		e := newTestEngine(t, newRecorder(), WithClock(clock.Now), WithPendingTTL(time.Hour), WithEventEmitter(events))
		stale, err := e.SubmitPlan(ctx, mediumPlan())
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(30 * time.Minute)
		fresh, err := e.SubmitPlan(ctx, mediumPlan())
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(45 * time.Minute)

		n, err := e.ExpireApprovals(ctx)
		if err != nil || n != 1 {
			t.Fatalf("expired %d, %v", n, err)
		}
		got, _ := e.Get(ctx, stale.ID)
		if got.State != StateExpired {
			t.Errorf("stale = %s", got.State)
		}
		got, _ = e.Get(ctx, fresh.ID)
		if got.State != StateApprovalPending {
			t.Errorf("fresh = %s", got.State)
		}
		if _, err := e.SubmitApproval(ctx, stale.ID, "approved-by-operator"); !errors.Is(err, errors.CodeInvalidState) {
			t.Errorf("approving expired err = %v", err)
		}
		if !slices.Contains(events.types(), core.EventExpired) {
			t.Error("no expired event")
		}
	})

	t.Run("approval past ttl expires instead", func(t *testing.T) {
		e := newTestEngine(t, newRecorder(), WithClock(clock.Now), WithPendingTTL(time.Minute))
		exec, err := e.SubmitPlan(ctx, mediumPlan())
		if err != nil {
			t.Fatal(err)
		}
		clock.Advance(2 * time.Minute)
		got, err := e.SubmitApproval(ctx, exec.ID, "approved-by-operator")
		if !errors.Is(err, errors.CodeInvalidState) || got.State != StateExpired {
			t.Fatalf("state %s err %v", got.State, err)
		}
	})
}

func TestEngine_PlanValidation(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(tools.NewNoop("noop")); err != nil {
		t.Fatal(err)
	}
	routes, err := NewRouteTable([]Route{{Pattern: "create_*", Tool: "noop"}}, "")
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(reg, WithRoutes(routes))

	tests := []struct {
		name string
		plan *core.ExecutionPlan
	}{
		{"nil plan", nil},
		{"no actions", core.NewPlan("goal", "", nil)},
		{"empty goal", core.NewPlan(" ", "", []core.Action{{Type: "create_x"}})},
		{"unroutable", core.NewPlan("goal", "", []core.Action{{Type: "deploy_x"}})},
		{"unknown tool", core.NewPlan("goal", "", []core.Action{{Type: "create_x", Tool: "ghost"}})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, err := e.SubmitPlan(context.Background(), tt.plan)
			if !errors.Is(err, errors.CodePlanValidation) {
				t.Fatalf("err = %v", err)
			}
			if exec != nil {
				t.Errorf("execution created for invalid plan: %+v", exec)
			}
		})
	}
}

func TestEngine_SubmitGoal(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(tools.NewNoop("noop")); err != nil {
		t.Fatal(err)
	}
	var ops []string
	e := NewEngine(reg, WithObserver(func(_ context.Context, op string, _ *Execution, _ error) {
		ops = append(ops, op)
	}))
	ctx := context.Background()

	exec, err := e.SubmitGoal(ctx, "monitor queue depth", planner.Snapshot{planner.SnapshotTool: "noop"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.State != StateApplied {
		t.Fatalf("state = %s (%s)", exec.State, exec.Error)
	}
	if exec.Plan.Intent != string(planner.IntentMonitoring) {
		t.Errorf("intent = %s", exec.Plan.Intent)
	}

	if _, err := e.SubmitGoal(ctx, "", nil); !errors.Is(err, errors.CodePlanValidation) {
		t.Fatalf("empty goal err = %v", err)
	}
	if !slices.Equal(ops, []string{OpSubmit, OpSubmit}) {
		t.Errorf("observer ops = %v", ops)
	}

	list, err := e.List(ctx, ExecutionFilter{State: StateApplied})
	if err != nil || len(list) != 1 || list[0].ID != exec.ID {
		t.Fatalf("list = %v, %v", list, err)
	}
}

// breakerTools fails every call with an open breaker.
type breakerTools struct{}

func (breakerTools) Get(name string) (tools.Tool, bool) { return tools.NewNoop(name), true }

func (breakerTools) Run(_ context.Context, name string, _ map[string]any, _ core.RunOptions) (core.ToolResult, error) {
	err := errors.CircuitOpen(tools.BreakerName(name))
	return core.Failed(err.Error()), err
}

func (breakerTools) Rollback(_ context.Context, name string, _ any, _ core.RunOptions) (core.ToolResult, error) {
	err := errors.CircuitOpen(tools.BreakerName(name))
	return core.Failed(err.Error()), err
}

func TestEngine_OpenBreakerIsRaised(t *testing.T) {
	routes, _ := NewRouteTable(nil, "infra")
	e := NewEngine(breakerTools{}, WithRoutes(routes))

	exec, err := e.SubmitPlan(context.Background(), lowPlan(1))
	if !errors.Is(err, errors.CodeCircuitOpen) {
		t.Fatalf("err = %v", err)
	}
	if exec == nil || exec.State != StateFailed {
		t.Fatalf("exec = %+v", exec)
	}
}

func TestEngine_ConcurrentApprovalsRunOnce(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, rec)
	ctx := context.Background()
	exec, err := e.SubmitPlan(ctx, mediumPlan())
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.SubmitApproval(ctx, exec.ID, fmt.Sprintf("approval-token-%d", i))
		}()
	}
	wg.Wait()

	if got := rec.phase(tools.PhaseApply); !slices.Equal(got, []int{0}) {
		t.Fatalf("applies = %v", got)
	}
}
