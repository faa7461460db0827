// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/credentials"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/orchestrator"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/tools"
)

// Outcome recorded for engine operations that returned an error.
const OutcomeError = "error"

// EngineMetrics records engine, tool, breaker and secret activity. Its
// methods match the observer signatures of the packages they watch:
//
//	orchestrator.WithObserver(m.ObserveExecution)
//	tools.WithObserver(m.ObserveToolCall)
//	credentials.WithHook(m.ObserveSecret)
type EngineMetrics struct {
	errors *ErrorMetrics

	operations   metric.Int64Counter
	riskScore    metric.Float64Histogram
	toolCalls    metric.Int64Counter
	toolLatency  metric.Float64Histogram
	breakerState metric.Int64Gauge
	secrets      metric.Int64Counter
}

// NewEngineMetrics creates the instruments.
func NewEngineMetrics(ctx context.Context, opts ...MetricsOption) (*EngineMetrics, error) {
	em, err := NewErrorMetrics(ctx, opts...)
	if err != nil {
		return nil, err
	}
	meter := meterFor("orchestrator/engine", opts)
	m := &EngineMetrics{errors: em}

	if m.operations, err = meter.Int64Counter(
		"orchestrator.engine.operations",
		metric.WithDescription("Engine operations by operation and resulting state"),
	); err != nil {
		return nil, err
	}
	if m.riskScore, err = meter.Float64Histogram(
		"orchestrator.engine.risk_score",
		metric.WithDescription("Risk score of submitted plans"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	); err != nil {
		return nil, err
	}
	if m.toolCalls, err = meter.Int64Counter(
		"orchestrator.tool.calls",
		metric.WithDescription("Tool calls by tool, phase and success"),
	); err != nil {
		return nil, err
	}
	if m.toolLatency, err = meter.Float64Histogram(
		"orchestrator.tool.duration",
		metric.WithDescription("Tool call latency"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.breakerState, err = meter.Int64Gauge(
		"orchestrator.breaker.state",
		metric.WithDescription("Circuit breaker state (0=open, 1=half-open, 2=closed)"),
	); err != nil {
		return nil, err
	}
	if m.secrets, err = meter.Int64Counter(
		"orchestrator.secret.resolutions",
		metric.WithDescription("Secret resolutions by source"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Errors returns the error metrics sharing this set's meter provider.
func (m *EngineMetrics) Errors() *ErrorMetrics {
	if m == nil {
		return nil
	}
	return m.errors
}

// ObserveExecution is an orchestrator.Observer.
func (m *EngineMetrics) ObserveExecution(ctx context.Context, op string, exec *orchestrator.Execution, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeError
	if exec != nil {
		outcome = string(exec.State)
	}
	if err != nil {
		m.errors.RecordErrorMetric(ctx, err, "engine")
	}
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrOperation, op),
		attribute.String(AttrOutcome, outcome),
	))
	if op == orchestrator.OpSubmit && exec != nil && exec.Risk.Level != "" {
		m.riskScore.Record(ctx, exec.Risk.Score, metric.WithAttributes(
			attribute.String(AttrRiskLevel, string(exec.Risk.Level)),
		))
	}
}

// ObserveToolCall is a tools.CallObserver.
func (m *EngineMetrics) ObserveToolCall(ctx context.Context, ev tools.CallEvent) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(ToolCallAttributes(ev)...)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, float64(ev.Duration)/float64(time.Millisecond), attrs)
	if ev.Err != nil {
		m.errors.RecordErrorMetric(ctx, ev.Err, tools.BreakerName(ev.Tool))
	}
}

// ObserveSecret is a credentials.Hook. A fallback after a failed resolution
// counts as a recovery.
func (m *EngineMetrics) ObserveSecret(ctx context.Context, ev credentials.SecretEvent) {
	if m == nil {
		return
	}
	m.secrets.Add(ctx, 1, metric.WithAttributes(SecretAttributes(ev)...))
	switch {
	case ev.Err != nil && ev.Source == credentials.SourceFallback:
		m.errors.RecordRecovery(ctx, errors.CodeOf(ev.Err))
	case ev.Err != nil:
		m.errors.RecordErrorMetric(ctx, ev.Err, "credentials")
	}
}

// RecordBreaker records a breaker snapshot.
func (m *EngineMetrics) RecordBreaker(ctx context.Context, snap resilience.BreakerSnapshot) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, BreakerStateValue(snap.State), metric.WithAttributes(
		attribute.String(AttrBreakerName, snap.Name),
	))
}

var (
	_ orchestrator.Observer = (*EngineMetrics)(nil).ObserveExecution
	_ tools.CallObserver    = (*EngineMetrics)(nil).ObserveToolCall
	_ credentials.Hook      = (*EngineMetrics)(nil).ObserveSecret
)
