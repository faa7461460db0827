// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ApprovalExpirer is implemented by services that can expire pending approvals.
type ApprovalExpirer interface {
	ExpireApprovals(ctx context.Context) (int, error)
}

// AddApprovalExpirer registers an expirer to be swept on the configured interval.
func (r *Runtime) AddApprovalExpirer(expirer ApprovalExpirer) {
	if expirer == nil {
		return
	}
	r.approvalExpirers = append(r.approvalExpirers, expirer)
}

func (r *Runtime) startApprovalSweeper(ctx context.Context) {
	if r.approvalSweepInterval <= 0 || len(r.approvalExpirers) == 0 {
		r.log.Info("runtime.approval.sweeper.disabled",
			slog.Duration("interval", r.approvalSweepInterval),
			slog.Int("expirers", len(r.approvalExpirers)),
		)
		return
	}
	initApprovalMetrics()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.approvalSweepInterval)
		defer ticker.Stop()
		r.log.Info("runtime.approval.sweeper.start",
			slog.Duration("interval", r.approvalSweepInterval),
			slog.Int("expirers", len(r.approvalExpirers)),
		)
		for {
			select {
			case <-ctx.Done():
				r.log.Info("runtime.approval.sweeper.stop")
				return
			case <-ticker.C:
				r.sweepApprovals(ctx)
			}
		}
	}()
}

// sweepApprovals runs every expirer once. One expirer's error does not stop the others.
func (r *Runtime) sweepApprovals(ctx context.Context) {
	sweepStart := time.Now()
	sweepCtx := ctx
	if r.approvalSweepTimeout > 0 {
		var cancel context.CancelFunc
		sweepCtx, cancel = context.WithTimeout(ctx, r.approvalSweepTimeout)
		defer cancel()
	}
	sweepCtx, sweepSpan := r.tracer.Start(sweepCtx, "runtime.approval.sweep",
		trace.WithAttributes(
			attribute.Int("expirers", len(r.approvalExpirers)),
			attribute.String("timeout", r.approvalSweepTimeout.String()),
		),
	)
	defer sweepSpan.End()

	for _, expirer := range r.approvalExpirers {
		expirerType := expirerName(expirer)
		expirerCtx, expirerSpan := r.tracer.Start(sweepCtx, "runtime.approval.expire",
			trace.WithAttributes(attribute.String("expirer", expirerType)),
		)
		start := time.Now()
		expired, err := expirer.ExpireApprovals(expirerCtx)
		durationMs := float64(time.Since(start).Microseconds()) / 1000
		attrs := metric.WithAttributes(attribute.String("expirer", expirerType))
		sweepCounter.Add(ctx, 1, attrs)
		sweepLatencyMs.Record(ctx, durationMs, attrs)
		if err != nil {
			sweepErrorCounter.Add(ctx, 1, attrs)
			expirerSpan.RecordError(err)
			r.log.Warn("runtime.approval.expire.error",
				slog.String("expirer", expirerType),
				slog.Float64("duration_ms", durationMs),
				slog.String("error", err.Error()),
			)
			expirerSpan.End()
			continue
		}
		if expired > 0 {
			expiredCounter.Add(ctx, int64(expired), attrs)
			r.log.Info("runtime.approval.expire",
				slog.String("expirer", expirerType),
				slog.Int("expired", expired),
				slog.Float64("duration_ms", durationMs),
			)
		}
		expirerSpan.SetAttributes(attribute.Int("expired", expired))
		expirerSpan.End()
	}
	sweepTotalLatencyMs.Record(ctx, float64(time.Since(sweepStart).Microseconds())/1000,
		metric.WithAttributes(attribute.Int("expirers", len(r.approvalExpirers))))
}

var (
	approvalMetricsOnce sync.Once
	sweepCounter        metric.Int64Counter
	sweepErrorCounter   metric.Int64Counter
	expiredCounter      metric.Int64Counter
	sweepLatencyMs      metric.Float64Histogram
	sweepTotalLatencyMs metric.Float64Histogram
)

func initApprovalMetrics() {
	approvalMetricsOnce.Do(func() {
		meter := otel.Meter("orchestrator/runtime")
		sweepCounter, _ = meter.Int64Counter("orchestrator.runtime.approval.sweep.count")
		sweepErrorCounter, _ = meter.Int64Counter("orchestrator.runtime.approval.sweep.error.count")
		expiredCounter, _ = meter.Int64Counter("orchestrator.runtime.approval.expired.count")
		sweepLatencyMs, _ = meter.Float64Histogram("orchestrator.runtime.approval.sweep.latency_ms")
		sweepTotalLatencyMs, _ = meter.Float64Histogram("orchestrator.runtime.approval.sweep.total_latency_ms")
	})
}

func expirerName(expirer ApprovalExpirer) string {
	if expirer == nil {
		return "unknown"
	}
	return fmt.Sprintf("%T", expirer)
}
