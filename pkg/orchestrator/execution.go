// SPDX-License-Identifier: Apache-2.0
// Package orchestrator drives a plan through verification, risk scoring,
// approval, dry run, apply and rollback.
package orchestrator

import (
	"slices"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
)

// State is the lifecycle position of an execution.
type State string

const (
	StatePlanned         State = "planned"
	StateVerified        State = "verified"
	StateApprovalPending State = "approval_pending"
	StateDryRunValidated State = "dry_run_validated"
	StateApplied         State = "applied"
	StateRolledBack      State = "rolled_back"
	StateFailed          State = "failed"
	StateExpired         State = "expired"
)

// Terminal reports whether no further automatic transition can happen.
// An applied execution can still be rolled back manually.
func (s State) Terminal() bool {
	switch s {
	case StateApplied, StateRolledBack, StateFailed, StateExpired:
		return true
	}
	return false
}

// ActionStatus is the progress of one action.
type ActionStatus string

const (
	ActionPending          ActionStatus = "pending"
	ActionDryRunOK         ActionStatus = "dry_run_ok"
	ActionDryRunFailed     ActionStatus = "dry_run_failed"
	ActionApplied          ActionStatus = "applied"
	ActionApplyFailed      ActionStatus = "apply_failed"
	ActionRolledBack       ActionStatus = "rolled_back"
	ActionRollbackFailed   ActionStatus = "rollback_failed"
	ActionNothingToReverse ActionStatus = "nothing_to_reverse"
)

// ActionRecord tracks one action of the plan.
type ActionRecord struct {
	Index    int              `json:"index"`
	Type     string           `json:"type"`
	Tool     string           `json:"tool"`
	Status   ActionStatus     `json:"status"`
	DryRun   *core.ToolResult `json:"dry_run,omitempty"`
	Apply    *core.ToolResult `json:"apply,omitempty"`
	Rollback *core.ToolResult `json:"rollback,omitempty"`
}

// Execution is one submission of a plan and everything learned about it.
// Verifications are kept on success too; they are audit evidence.
type Execution struct {
	ID            string                 `json:"id"`
	Plan          *core.ExecutionPlan    `json:"plan"`
	State         State                  `json:"state"`
	Verifications []core.Verification    `json:"verifications,omitempty"`
	Risk          core.RiskAssessment    `json:"risk"`
	Approvals     []core.ApprovalRequest `json:"approvals,omitempty"`
	Actions       []ActionRecord         `json:"actions"`
	// Error is the human-readable failure reason.
	Error string `json:"error,omitempty"`
	// RollbackAttempted and RollbackSucceeded report the outcome of an
	// automatic or manual rollback.
	RollbackAttempted bool `json:"rollback_attempted,omitempty"`
	RollbackSucceeded bool `json:"rollback_succeeded,omitempty"`
	// SpentTokens holds hashes of approval tokens already presented.
	SpentTokens []string `json:"spent_tokens,omitempty"`
	// PendingSince is when the execution parked for approval.
	PendingSince time.Time `json:"pending_since,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PlanID returns the plan id.
func (e *Execution) PlanID() string {
	if e.Plan == nil {
		return ""
	}
	return e.Plan.ID
}

// Pending reports whether the execution awaits approval.
func (e *Execution) Pending() bool { return e.State == StateApprovalPending }

// PendingApprovals returns the unresolved approval requests.
func (e *Execution) PendingApprovals() []core.ApprovalRequest {
	return core.PendingApprovals(e.Approvals)
}

// AppliedCount returns how many actions reached apply successfully.
func (e *Execution) AppliedCount() int {
	n := 0
	for _, a := range e.Actions {
		switch a.Status {
		case ActionApplied, ActionRolledBack, ActionRollbackFailed, ActionNothingToReverse:
			n++
		}
	}
	return n
}

// Clone returns a copy whose slices can be mutated independently.
// The plan and tool results are immutable and shared.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Verifications = slices.Clone(e.Verifications)
	out.Approvals = slices.Clone(e.Approvals)
	out.Actions = slices.Clone(e.Actions)
	out.SpentTokens = slices.Clone(e.SpentTokens)
	return &out
}
