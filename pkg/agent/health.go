// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
)

// Check reports the agent's health from its owned tools. The result is cached
// for the health interval.
//
// No health source is DEGRADED. All owned tools healthy (or none owned) is
// HEALTHY; some unhealthy is DEGRADED; all unhealthy is UNHEALTHY.
func (a *Agent) Check(ctx context.Context) core.HealthResult {
	now := a.clock()

	a.mu.Lock()
	if !a.last.LastCheck.IsZero() && now.Sub(a.last.LastCheck) < a.healthInterval {
		res := a.last
		a.mu.Unlock()
		return res
	}
	a.mu.Unlock()

	res := a.runCheck(ctx)
	res.LastCheck = now
	res.ResponseTimeMs = a.clock().Sub(now).Milliseconds()

	a.mu.Lock()
	a.last = res
	a.mu.Unlock()

	a.metrics.RecordHealthStatus(ctx, a.component(), healthValue(res.Status))
	return res
}

func (a *Agent) runCheck(ctx context.Context) core.HealthResult {
	res := core.HealthResult{Component: a.component()}
	if a.health == nil {
		res.Status = core.HealthDegraded
		res.Message = "no tool health source configured"
		return res
	}

	reports := a.health.HealthCheckAll(ctx)
	var owned, failing []string
	for name, rep := range reports {
		if a.filter != nil && !a.filter.IsAllowed(ctx, name).IsAllowed() {
			continue
		}
		owned = append(owned, name)
		if !rep.Healthy {
			failing = append(failing, name)
		}
	}
	slices.Sort(failing)

	switch {
	case len(failing) == 0:
		res.Status = core.HealthHealthy
		res.Message = fmt.Sprintf("%d tools healthy", len(owned))
	case len(failing) < len(owned):
		res.Status = core.HealthDegraded
		res.Message = "unhealthy tools: " + strings.Join(failing, ", ")
	default:
		res.Status = core.HealthUnhealthy
		res.Message = "all tools unhealthy: " + strings.Join(failing, ", ")
		res.Error = fmt.Errorf("agent %s has no healthy tools", a.id)
	}
	return res
}

// healthValue maps a status onto the health gauge scale.
func healthValue(s core.HealthStatus) int64 {
	switch s {
	case core.HealthHealthy:
		return 2
	case core.HealthDegraded:
		return 1
	default:
		return 0
	}
}
