// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultHealthCheckProvider implements HealthCheckProvider.
// CheckAll runs every checker concurrently; one checker's failure, panic or
// slowness never changes another checker's result.
type DefaultHealthCheckProvider struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewDefaultHealthCheckProvider creates a provider whose checks are each bounded by timeout.
func NewDefaultHealthCheckProvider(timeout time.Duration) *DefaultHealthCheckProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DefaultHealthCheckProvider{
		checkers: make(map[string]HealthChecker),
		timeout:  timeout,
	}
}

// RegisterChecker registers a health checker for a component.
func (p *DefaultHealthCheckProvider) RegisterChecker(name string, checker HealthChecker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkers[name] = checker
}

// UnregisterChecker removes a component.
func (p *DefaultHealthCheckProvider) UnregisterChecker(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.checkers, name)
}

// Check checks the health of a specific component.
func (p *DefaultHealthCheckProvider) Check(ctx context.Context, name string) (HealthResult, error) {
	p.mu.RLock()
	checker, exists := p.checkers[name]
	p.mu.RUnlock()

	if !exists {
		return HealthResult{}, fmt.Errorf("checker not registered: %s", name)
	}
	return p.run(ctx, name, checker), nil
}

// CheckAll checks every registered component concurrently and waits for all of them.
// Results are sorted by component name. Overall status is the worst observed.
func (p *DefaultHealthCheckProvider) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	checkers := p.snapshot()
	results := make([]HealthResult, len(checkers))

	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = p.run(ctx, name, checkers[name])
		}(i, name)
	}
	wg.Wait()

	return results, Worst(results)
}

// Worst folds results into an overall status (Healthy only if all Healthy).
func Worst(results []HealthResult) HealthStatus {
	overall := HealthHealthy
	for _, r := range results {
		switch r.Status {
		case HealthUnhealthy:
			return HealthUnhealthy
		case HealthDegraded:
			overall = HealthDegraded
		case HealthHealthy:
		default:
			return HealthUnhealthy
		}
	}
	return overall
}

func (p *DefaultHealthCheckProvider) run(ctx context.Context, name string, checker HealthChecker) (result HealthResult) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = HealthResult{
				Status:  HealthUnhealthy,
				Message: "health check panicked",
				Error:   fmt.Errorf("panic: %v", r),
			}
		}
		result.Component = name
		result.ResponseTimeMs = time.Since(start).Milliseconds()
		if result.LastCheck.IsZero() {
			result.LastCheck = time.Now()
		}
	}()
	return checker.Check(ctx)
}

func (p *DefaultHealthCheckProvider) snapshot() map[string]HealthChecker {
	p.mu.RLock()
	defer p.mu.RUnlock()

	checkers := make(map[string]HealthChecker, len(p.checkers))
	for name, checker := range p.checkers {
		checkers[name] = checker
	}
	return checkers
}

// SimpleHealthChecker is a basic health checker that returns a constant status.
type SimpleHealthChecker struct {
	status  HealthStatus
	message string
}

// NewSimpleHealthChecker creates a new simple health checker.
func NewSimpleHealthChecker(status HealthStatus, message string) *SimpleHealthChecker {
	return &SimpleHealthChecker{status: status, message: message}
}

// Check returns the constant health status.
func (s *SimpleHealthChecker) Check(ctx context.Context) HealthResult {
	return HealthResult{
		Status:    s.status,
		Message:   s.message,
		LastCheck: time.Now(),
	}
}

// FunctionHealthChecker wraps a function as a health checker.
type FunctionHealthChecker struct {
	fn func(ctx context.Context) HealthResult
}

// NewFunctionHealthChecker creates a health checker from a function.
func NewFunctionHealthChecker(fn func(ctx context.Context) HealthResult) *FunctionHealthChecker {
	return &FunctionHealthChecker{fn: fn}
}

// Check calls the underlying function.
func (f *FunctionHealthChecker) Check(ctx context.Context) HealthResult {
	result := f.fn(ctx)
	if result.LastCheck.IsZero() {
		result.LastCheck = time.Now()
	}
	return result
}
