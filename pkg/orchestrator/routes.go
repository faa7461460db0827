// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"fmt"
	"path"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// Route maps action types matching Pattern (path.Match syntax, for example
// "deploy_*") to a registered tool.
type Route struct {
	Pattern string `json:"pattern" koanf:"pattern"`
	Tool    string `json:"tool" koanf:"tool"`
}

// RouteTable resolves the tool that executes an action. Routes are tried in
// order; the first match wins, then the fallback.
type RouteTable struct {
	routes   []Route
	fallback string
}

// NewRouteTable validates patterns up front so a typo fails at startup.
func NewRouteTable(routes []Route, fallback string) (*RouteTable, error) {
	for _, r := range routes {
		if r.Tool == "" {
			return nil, fmt.Errorf("route %q: tool is required", r.Pattern)
		}
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Pattern, err)
		}
	}
	return &RouteTable{routes: append([]Route(nil), routes...), fallback: fallback}, nil
}

// Resolve returns the tool for an action type.
func (t *RouteTable) Resolve(actionType string) (string, bool) {
	if t == nil {
		return "", false
	}
	for _, r := range t.routes {
		if ok, _ := path.Match(r.Pattern, actionType); ok {
			return r.Tool, true
		}
	}
	if t.fallback != "" {
		return t.fallback, true
	}
	return "", false
}

// bind returns a copy of plan with every action's tool resolved. Tools named
// by the plan itself take precedence over the table.
func (t *RouteTable) bind(plan *core.ExecutionPlan) (*core.ExecutionPlan, error) {
	out := *plan
	out.Actions = make([]core.Action, len(plan.Actions))
	var unroutable []string
	for i, a := range plan.Actions {
		if a.Tool == "" {
			if tool, ok := t.Resolve(a.Type); ok {
				a.Tool = tool
			} else {
				unroutable = append(unroutable, a.Type)
			}
		}
		out.Actions[i] = a
	}
	if len(unroutable) > 0 {
		return nil, errors.PlanValidation(plan.ID, fmt.Sprintf("no tool routes action types %v", unroutable))
	}
	return &out, nil
}
