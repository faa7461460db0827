// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/credentials"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

func TestExecutionAttributes(t *testing.T) {
	plan := core.NewPlan("deploy service", "deployment", []core.Action{{Type: "deploy_service"}})
	exec := &orchestrator.Execution{
		ID:    "exec-1",
		Plan:  plan,
		State: orchestrator.StateApprovalPending,
		Risk:  core.RiskAssessment{Score: 0.45, Level: core.RiskMedium},
	}
	assertAttributes(t, ExecutionAttributes(exec), map[string]any{
		AttrExecutionID:    "exec-1",
		AttrExecutionState: "approval_pending",
		AttrPlanID:         plan.ID,
		AttrPlanIntent:     "deployment",
		AttrPlanActions:    1,
		AttrRiskScore:      0.45,
		AttrRiskLevel:      "MEDIUM",
	})

	if attrs := ExecutionAttributes(nil); attrs != nil {
		t.Errorf("nil execution attrs = %v", attrs)
	}
}

func TestExecutionAttributes_GoalTruncation(t *testing.T) {
	exec := &orchestrator.Execution{
		ID:   "exec-1",
		Plan: core.NewPlan(strings.Repeat("g", 300), "analysis", nil),
	}
	for _, attr := range ExecutionAttributes(exec) {
		if attr.Key == AttrPlanGoal {
			if got := len(attr.Value.AsString()); got != maxGoalLen+3 {
				t.Errorf("goal length = %d", got)
			}
			return
		}
	}
	t.Fatal("goal attribute missing")
}

func TestToolCallAttributes(t *testing.T) {
	attrs := ToolCallAttributes(tools.CallEvent{Tool: "infra", Phase: tools.PhaseRollback, Success: true})
	assertAttributes(t, attrs, map[string]any{
		AttrToolName:    "infra",
		AttrToolPhase:   string(tools.PhaseRollback),
		AttrToolSuccess: true,
	})
}

func TestSecretAttributes(t *testing.T) {
	tests := []struct {
		name string
		ev   credentials.SecretEvent
		want map[string]any
	}{
		{
			name: "cache hit",
			ev:   credentials.SecretEvent{KeyHash: "abc", Source: credentials.SourceCache, CacheHit: true},
			want: map[string]any{AttrSecretSource: "cache", AttrSecretCacheHit: true},
		},
		{
			name: "unresolved",
			ev:   credentials.SecretEvent{KeyHash: "abc"},
			want: map[string]any{AttrSecretSource: "none", AttrSecretCacheHit: false},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := SecretAttributes(tt.ev)
			assertAttributes(t, attrs, tt.want)
			for _, a := range attrs {
				if a.Value.Emit() == tt.ev.KeyHash {
					t.Errorf("key hash leaked into metric attributes: %s", a.Key)
				}
			}
		})
	}
}

// assertAttributes checks that expected key-value pairs exist in attrs
func assertAttributes(t *testing.T, attrs []attribute.KeyValue, expected map[string]any) {
	t.Helper()

	found := make(map[string]attribute.KeyValue)
	for _, attr := range attrs {
		found[string(attr.Key)] = attr
	}

	for key, expectedVal := range expected {
		attr, ok := found[key]
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}

		var actualVal any
		switch attr.Value.Type() {
		case attribute.STRING:
			actualVal = attr.Value.AsString()
		case attribute.INT64:
			actualVal = int(attr.Value.AsInt64())
		case attribute.FLOAT64:
			actualVal = attr.Value.AsFloat64()
		case attribute.BOOL:
			actualVal = attr.Value.AsBool()
		}

		if actualVal != expectedVal {
			t.Errorf("attribute %s: got %v, want %v", key, actualVal, expectedVal)
		}
	}
}
