// SPDX-License-Identifier: Apache-2.0

package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	orcherrors "github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// ExecutionPlan is the immutable output of the planner.
type ExecutionPlan struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Intent    string    `json:"intent,omitempty"`
	Actions   []Action  `json:"actions"`
	CreatedAt time.Time `json:"created_at"`
}

// NewPlan builds a plan with a generated ID.
func NewPlan(goal, intent string, actions []Action) *ExecutionPlan {
	return &ExecutionPlan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Intent:    intent,
		Actions:   actions,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate runs the plan self-check: non-empty goal, non-empty actions, typed actions.
func (p *ExecutionPlan) Validate() error {
	if p == nil {
		return orcherrors.PlanValidation("", "plan is nil")
	}
	if strings.TrimSpace(p.Goal) == "" {
		return orcherrors.PlanValidation(p.ID, "plan goal is empty")
	}
	if len(p.Actions) == 0 {
		return orcherrors.PlanValidation(p.ID, "plan has no actions")
	}
	for i, a := range p.Actions {
		if strings.TrimSpace(a.Type) == "" {
			return orcherrors.PlanValidation(p.ID, fmt.Sprintf("action %d has no type", i)).
				WithContext("action_index", i)
		}
	}
	return nil
}
