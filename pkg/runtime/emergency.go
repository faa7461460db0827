// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
)

// EmergencyStop signals a rollback to every active unit concurrently, then
// halts message processing for good. Each rollback is bounded by the stop
// timeout; a failing or hung unit is logged and never blocks the others.
// Units that are idle or stopped are not signaled.
func (r *Runtime) EmergencyStop(ctx context.Context) []StopResult {
	ctx, span := r.tracer.Start(ctx, "Runtime.EmergencyStop")
	defer span.End()

	r.mu.RLock()
	active := make([]Unit, 0, len(r.units))
	for _, u := range r.units {
		if u.Status() == UnitActive {
			active = append(active, u)
		}
	}
	r.mu.RUnlock()
	r.log.Warn("runtime.emergency_stop.start", slog.Int("active_units", len(active)))

	results := make([]StopResult, len(active))
	var wg sync.WaitGroup
	for i, u := range active {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.stopUnit(ctx, u)
		}()
	}
	wg.Wait()

	r.shutdown(true)

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("units.signaled", len(results)), attribute.Int("units.failed", failed))
	r.log.Warn("runtime.emergency_stop.complete",
		slog.Int("signaled", len(results)),
		slog.Int("failed", failed))

	slices.SortFunc(results, func(a, b StopResult) int { return strings.Compare(a.UnitID, b.UnitID) })
	return results
}

func (r *Runtime) stopUnit(ctx context.Context, u Unit) (res StopResult) {
	res.UnitID = u.ID()
	start := time.Now()
	ctx = core.WithUnitID(ctx, u.ID())
	_, err := resilience.WithTimeout(ctx, r.stopTimeout, func(ctx context.Context) (_ struct{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("unit rollback panicked: %v", p)
			}
		}()
		return struct{}{}, u.Rollback(ctx)
	})
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		r.log.Error("runtime.emergency_stop.unit_failed",
			slog.String("unit_id", u.ID()),
			slog.Duration("duration", res.Duration),
			slog.String("error", err.Error()))
		return res
	}
	r.log.Info("runtime.emergency_stop.unit_rolled_back",
		slog.String("unit_id", u.ID()),
		slog.Duration("duration", res.Duration))
	return res
}
