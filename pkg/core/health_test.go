// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"testing"
	"time"
)

func TestSimpleHealthChecker(t *testing.T) {
	tests := []struct {
		name   string
		status HealthStatus
	}{
		{"healthy", HealthHealthy},
		{"degraded", HealthDegraded},
		{"unhealthy", HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewSimpleHealthChecker(tt.status, "test message").Check(context.Background())
			if result.Status != tt.status {
				t.Errorf("expected %v, got %v", tt.status, result.Status)
			}
			if result.LastCheck.IsZero() {
				t.Errorf("expected LastCheck to be set")
			}
		})
	}
}

func TestFunctionHealthChecker(t *testing.T) {
	calls := 0
	checker := NewFunctionHealthChecker(func(ctx context.Context) HealthResult {
		calls++
		return HealthResult{Status: HealthHealthy, Message: "ok"}
	})

	result := checker.Check(context.Background())
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if result.LastCheck.IsZero() {
		t.Errorf("expected LastCheck to be set by wrapper")
	}
}

func TestCheckAllOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		expected HealthStatus
	}{
		{"all healthy", []HealthStatus{HealthHealthy, HealthHealthy}, HealthHealthy},
		{"one degraded", []HealthStatus{HealthHealthy, HealthDegraded}, HealthDegraded},
		{"one unhealthy", []HealthStatus{HealthHealthy, HealthDegraded, HealthUnhealthy}, HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := NewDefaultHealthCheckProvider(time.Second)
			for i, s := range tt.statuses {
				provider.RegisterChecker(string(rune('a'+i)), NewSimpleHealthChecker(s, ""))
			}
			results, overall := provider.CheckAll(context.Background())
			if len(results) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(results))
			}
			if overall != tt.expected {
				t.Errorf("expected %v overall, got %v", tt.expected, overall)
			}
		})
	}
}

func TestCheckAllIsolatesPanicsAndSlowCheckers(t *testing.T) {
	provider := NewDefaultHealthCheckProvider(50 * time.Millisecond)
	provider.RegisterChecker("ok", NewSimpleHealthChecker(HealthHealthy, "ok"))
	provider.RegisterChecker("panics", NewFunctionHealthChecker(func(ctx context.Context) HealthResult {
		panic("boom")
	}))
	provider.RegisterChecker("hangs", NewFunctionHealthChecker(func(ctx context.Context) HealthResult {
		<-ctx.Done()
		return HealthResult{Status: HealthUnhealthy, Error: ctx.Err()}
	}))

	start := time.Now()
	results, overall := provider.CheckAll(context.Background())
	if time.Since(start) > time.Second {
		t.Fatalf("CheckAll did not bound the hanging checker")
	}
	if overall != HealthUnhealthy {
		t.Errorf("expected Unhealthy overall, got %v", overall)
	}

	byName := map[string]HealthResult{}
	for _, r := range results {
		byName[r.Component] = r
	}
	if !byName["ok"].Healthy() {
		t.Errorf("healthy checker was affected by its siblings: %+v", byName["ok"])
	}
	if byName["panics"].Error == nil {
		t.Errorf("expected panic to surface as an error")
	}
	if byName["hangs"].Status != HealthUnhealthy {
		t.Errorf("expected hanging checker to be unhealthy")
	}
}

func TestCheckSpecificNotFound(t *testing.T) {
	provider := NewDefaultHealthCheckProvider(time.Second)
	if _, err := provider.Check(context.Background(), "nonexistent"); err == nil {
		t.Errorf("expected error for nonexistent checker")
	}
}
