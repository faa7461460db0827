// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/resilience"
)

// DefaultTimeout bounds a call when neither the caller nor the tool sets one.
const DefaultTimeout = 30 * time.Second

type entry struct {
	tool    Tool
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

// Registry holds named tools resolved at startup. Each tool gets its own
// breaker; breakers share the registry's CounterStore so their state is
// visible across processes when the store is.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store          resilience.CounterStore
	breakerConfig  resilience.CircuitBreakerConfig
	defaultTimeout time.Duration
	observers      []CallObserver
	log            *slog.Logger
	tracer         trace.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithCounterStore sets the store backing every tool breaker.
func WithCounterStore(store resilience.CounterStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithBreakerConfig sets the template for tool breakers. Name is overwritten per tool.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Registry) { r.breakerConfig = cfg }
}

// WithDefaultTimeout sets the fallback per-call timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithObserver adds a call observer.
func WithObserver(o CallObserver) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:        make(map[string]*entry),
		breakerConfig:  resilience.DefaultCircuitBreakerConfig(""),
		defaultTimeout: DefaultTimeout,
		log:            slog.Default(),
		tracer:         otel.Tracer("orchestrator/tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = resilience.NewMemoryStore()
	}
	return r
}

// RegisterOption configures one registered tool.
type RegisterOption func(*entry)

// WithTimeout sets the tool's default call timeout.
func WithTimeout(d time.Duration) RegisterOption {
	return func(e *entry) { e.timeout = d }
}

// WithRateLimit admits at most rps calls per second with the given burst.
func WithRateLimit(rps float64, burst int) RegisterOption {
	return func(e *entry) {
		if rps <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithBreaker replaces the tool's breaker.
func WithBreaker(cb *resilience.CircuitBreaker) RegisterOption {
	return func(e *entry) { e.breaker = cb }
}

// BreakerName is the breaker name used for a tool.
func BreakerName(tool string) string { return "tool:" + tool }

// Register adds a tool. Registering a name twice is an error.
func (r *Registry) Register(t Tool, opts ...RegisterOption) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool name is required")
	}
	name := t.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	e := &entry{tool: t}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		cfg := r.breakerConfig
		cfg.Name = BreakerName(name)
		e.breaker = resilience.NewCircuitBreaker(cfg, r.store)
	}
	r.entries[name] = e
	r.log.Debug("tools.register", slog.String("tool", name))
	return nil
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Breaker returns a tool's breaker.
func (r *Registry) Breaker(name string) (*resilience.CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.breaker, true
}

// ListTools returns registered tools sorted by name.
func (r *Registry) ListTools() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		info := Info{Name: name, Breaker: e.breaker.Name()}
		_, info.CanRollback = e.tool.(Rollbacker)
		_, info.CanHealth = e.tool.(HealthChecker)
		if ro, ok := e.tool.(ReadOnly); ok {
			info.ReadOnly = ro.ReadOnly()
		}
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) entry(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, errors.NotFound("tool", name)
	}
	return e, nil
}

// Run calls a tool through its limiter, breaker and timeout.
//
// The returned result is always populated; a non-nil error accompanies every
// failed result. A rejected breaker yields CIRCUIT_OPEN without calling the
// tool. A dry run that returns no diff is a contract violation and fails.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any, opts core.RunOptions) (core.ToolResult, error) {
	phase := PhaseFor(opts)
	return r.call(ctx, name, phase, opts, func(ctx context.Context, e *entry, opts core.RunOptions) (core.ToolResult, error) {
		return e.tool.Run(ctx, args, opts)
	})
}

// Rollback reverses an applied mutation. Missing rollback data or a tool
// without rollback support is ROLLBACK_UNAVAILABLE.
func (r *Registry) Rollback(ctx context.Context, name string, rollbackData any, opts core.RunOptions) (core.ToolResult, error) {
	e, err := r.entry(name)
	if err != nil {
		return core.Failed(err.Error()), err
	}
	rb, ok := e.tool.(Rollbacker)
	if !ok {
		err := errors.RollbackUnavailable(name, "tool does not support rollback")
		return core.Failed(err.Error()), err
	}
	if rollbackData == nil {
		err := errors.RollbackUnavailable(name, "no rollback data captured")
		return core.Failed(err.Error()), err
	}
	opts.DryRun = false
	return r.call(ctx, name, PhaseRollback, opts, func(ctx context.Context, _ *entry, opts core.RunOptions) (core.ToolResult, error) {
		return rb.Rollback(ctx, rollbackData, opts)
	})
}

type invokeFunc func(ctx context.Context, e *entry, opts core.RunOptions) (core.ToolResult, error)

func (r *Registry) call(ctx context.Context, name string, phase Phase, opts core.RunOptions, invoke invokeFunc) (res core.ToolResult, err error) {
	ctx, span := r.tracer.Start(ctx, "Tool.Call", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.phase", string(phase)),
		attribute.String("execution.id", opts.ExecutionID),
		attribute.Int("action.index", opts.ActionIndex),
	))
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if res.DurationMs == 0 {
			res.DurationMs = elapsed.Milliseconds()
		}
		span.SetAttributes(attribute.Bool("tool.success", res.Success))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.observe(ctx, CallEvent{Tool: name, Phase: phase, Success: res.Success, Duration: elapsed, Err: err})
	}()

	e, err := r.entry(name)
	if err != nil {
		return core.Failed(err.Error()), err
	}

	if e.limiter != nil {
		if werr := e.limiter.Wait(ctx); werr != nil {
			err = errors.New(errors.CodeRateLimit, "tool rate limit wait aborted", werr).
				WithContext("tool", name).
				WithRecoverable(true)
			return core.Failed(err.Error()), err
		}
	}

	if !e.breaker.CanExecute(ctx) {
		err = errors.CircuitOpen(e.breaker.Name()).WithContext("tool", name)
		return core.Failed(err.Error()), err
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = e.timeout
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	opts.TimeoutMs = timeout.Milliseconds()

	res, callErr := resilience.WithTimeout(ctx, timeout, func(ctx context.Context) (out core.ToolResult, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("tool panicked: %v", p)
			}
		}()
		return invoke(ctx, e, opts)
	})

	switch {
	case callErr != nil:
		e.breaker.RecordFailure(ctx)
		res = core.Failed(callErr.Error())
		err = errors.ToolExecution(name, callErr).WithContext("phase", string(phase))
	case !res.Success:
		e.breaker.RecordFailure(ctx)
		if res.Error == "" {
			res.Error = "tool reported failure without a reason"
		}
		err = errors.ToolExecution(name, fmt.Errorf("%s", res.Error)).WithContext("phase", string(phase))
	case phase == PhaseDryRun && res.Diff == "":
		e.breaker.RecordSuccess(ctx)
		res.Success = false
		res.Error = "dry run returned no diff"
		err = errors.ToolExecution(name, fmt.Errorf("%s", res.Error)).WithContext("phase", string(phase))
	default:
		e.breaker.RecordSuccess(ctx)
	}

	if err != nil {
		r.log.Warn("tools.call.failed",
			slog.String("tool", name),
			slog.String("phase", string(phase)),
			slog.String("execution_id", opts.ExecutionID),
			slog.String("error", res.Error))
	}
	return res, err
}

func (r *Registry) observe(ctx context.Context, ev CallEvent) {
	for _, o := range r.observers {
		o(ctx, ev)
	}
}

// HealthCheckAll checks every tool concurrently. Each check is isolated: one
// tool's failure, panic or slowness never affects another's report. Tools
// without a health check report healthy.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthReport {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for name, e := range r.entries {
		entries[name] = e
	}
	r.mu.RUnlock()

	type named struct {
		name   string
		report HealthReport
	}
	results := make(chan named, len(entries))

	var g errgroup.Group
	for name, e := range entries {
		g.Go(func() error {
			results <- named{name: name, report: r.healthCheck(ctx, name, e)}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	out := make(map[string]HealthReport, len(entries))
	for n := range results {
		out[n.name] = n.report
	}
	return out
}

func (r *Registry) healthCheck(ctx context.Context, name string, e *entry) (report HealthReport) {
	start := time.Now()
	defer func() {
		report.ResponseTimeMs = time.Since(start).Milliseconds()
		var err error
		if report.Error != "" {
			err = fmt.Errorf("%s", report.Error)
		}
		r.observe(ctx, CallEvent{Tool: name, Phase: PhaseHealth, Success: report.Healthy, Duration: time.Since(start), Err: err})
	}()

	hc, ok := e.tool.(HealthChecker)
	if !ok {
		return HealthReport{Healthy: true}
	}
	timeout := e.timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	_, err := resilience.WithTimeout(ctx, timeout, func(ctx context.Context) (_ struct{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("health check panicked: %v", p)
			}
		}()
		return struct{}{}, hc.HealthCheck(ctx)
	})
	if err != nil {
		return HealthReport{Error: err.Error()}
	}
	return HealthReport{Healthy: true}
}
