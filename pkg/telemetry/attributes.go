// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry tracing, metrics and trace-aware
// structured logging for the orchestrator.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/credentials"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// Attribute keys shared by spans and metrics.
const (
	// Execution attributes
	AttrExecutionID    = "orchestrator.execution.id"
	AttrExecutionState = "orchestrator.execution.state"
	AttrPlanID         = "orchestrator.plan.id"
	AttrPlanIntent     = "orchestrator.plan.intent"
	AttrPlanGoal       = "orchestrator.plan.goal"
	AttrPlanActions    = "orchestrator.plan.actions"
	AttrOperation      = "orchestrator.operation"
	AttrOutcome        = "orchestrator.outcome"

	// Risk attributes
	AttrRiskScore = "orchestrator.risk.score"
	AttrRiskLevel = "orchestrator.risk.level"

	// Tool attributes
	AttrToolName    = "orchestrator.tool.name"
	AttrToolPhase   = "orchestrator.tool.phase"
	AttrToolSuccess = "orchestrator.tool.success"

	// Breaker attributes
	AttrBreakerName = "orchestrator.breaker.name"

	// Secret attributes. Key names and hashes stay out of metrics.
	AttrSecretSource   = "orchestrator.secret.source"
	AttrSecretCacheHit = "orchestrator.secret.cache_hit"

	AttrErrorCode = "error.code"
	AttrComponent = "component"
)

const maxGoalLen = 200

// ExecutionAttributes describes an execution for spans. A nil execution
// yields no attributes.
func ExecutionAttributes(exec *orchestrator.Execution) []attribute.KeyValue {
	if exec == nil {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String(AttrExecutionID, exec.ID),
		attribute.String(AttrExecutionState, string(exec.State)),
	}
	if exec.Plan != nil {
		goal := exec.Plan.Goal
		if len(goal) > maxGoalLen {
			goal = goal[:maxGoalLen] + "..."
		}
		attrs = append(attrs,
			attribute.String(AttrPlanID, exec.Plan.ID),
			attribute.String(AttrPlanIntent, exec.Plan.Intent),
			attribute.String(AttrPlanGoal, goal),
			attribute.Int(AttrPlanActions, len(exec.Plan.Actions)),
		)
	}
	if exec.Risk.Level != "" {
		attrs = append(attrs,
			attribute.Float64(AttrRiskScore, exec.Risk.Score),
			attribute.String(AttrRiskLevel, string(exec.Risk.Level)),
		)
	}
	return attrs
}

// ToolCallAttributes describes one registry call.
func ToolCallAttributes(ev tools.CallEvent) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, ev.Tool),
		attribute.String(AttrToolPhase, string(ev.Phase)),
		attribute.Bool(AttrToolSuccess, ev.Success),
	}
}

// SecretAttributes describes a resolution without the secret name.
func SecretAttributes(ev credentials.SecretEvent) []attribute.KeyValue {
	source := string(ev.Source)
	if source == "" {
		source = "none"
	}
	return []attribute.KeyValue{
		attribute.String(AttrSecretSource, source),
		attribute.Bool(AttrSecretCacheHit, ev.CacheHit),
	}
}

// BreakerStateValue maps a breaker state onto the gauge scale
// (0=open, 1=half-open, 2=closed).
func BreakerStateValue(s resilience.CircuitBreakerState) int64 {
	switch s {
	case resilience.StateClosed:
		return 2
	case resilience.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
