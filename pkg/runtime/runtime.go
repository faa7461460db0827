// SPDX-License-Identifier: Apache-2.0
// Package runtime supervises long-lived units: it dispatches their work,
// routes messages between them, sweeps their health and stops them in an
// emergency.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// Defaults for the supervision loops.
const (
	DefaultQueueSize      = 1024
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 10 * time.Second
	DefaultStopTimeout    = 30 * time.Second
)

// MessageHook observes every message the loop finishes with. err is non-nil
// when the message was discarded or its handler failed.
type MessageHook func(ctx context.Context, msg Message, err error)

// Runtime is the in-process unit supervisor. A single loop drains the message
// queue, so messages are handled one at a time in the order they were sent.
type Runtime struct {
	mu     sync.RWMutex
	units  map[string]Unit
	health *core.DefaultHealthCheckProvider

	queue   chan Message
	started bool
	halted  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queueSize      int
	healthInterval time.Duration
	healthTimeout  time.Duration
	stopTimeout    time.Duration
	hooks          []MessageHook

	approvalExpirers      []ApprovalExpirer
	approvalSweepInterval time.Duration
	approvalSweepTimeout  time.Duration

	log    *slog.Logger
	tracer trace.Tracer
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithQueueSize bounds the message queue.
func WithQueueSize(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithHealthInterval sets the health sweep period. Zero disables the sweep.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Runtime) { r.healthInterval = d }
}

// WithHealthTimeout bounds each unit health check.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.healthTimeout = d
		}
	}
}

// WithStopTimeout bounds each unit's rollback during EmergencyStop.
func WithStopTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.stopTimeout = d
		}
	}
}

// WithMessageHook adds a message hook.
func WithMessageHook(h MessageHook) Option {
	return func(r *Runtime) { r.hooks = append(r.hooks, h) }
}

// WithApprovalSweep expires pending approvals on interval, each sweep bounded
// by timeout. A zero interval disables the sweep.
func WithApprovalSweep(interval, timeout time.Duration, expirers ...ApprovalExpirer) Option {
	return func(r *Runtime) {
		r.approvalSweepInterval = interval
		r.approvalSweepTimeout = timeout
		for _, e := range expirers {
			r.AddApprovalExpirer(e)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// New creates a stopped runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		units:          make(map[string]Unit),
		queueSize:      DefaultQueueSize,
		healthInterval: DefaultHealthInterval,
		healthTimeout:  DefaultHealthTimeout,
		stopTimeout:    DefaultStopTimeout,
		log:            slog.Default(),
		tracer:         otel.Tracer("orchestrator/runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.health = core.NewDefaultHealthCheckProvider(r.healthTimeout)
	r.queue = make(chan Message, r.queueSize)
	return r
}

// Register adds a unit. IDs are unique.
func (r *Runtime) Register(u Unit) error {
	if u == nil || u.ID() == "" {
		return errors.New(errors.CodeInvalidInput, "unit id is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.units[u.ID()]; exists {
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("unit %q already registered", u.ID()), nil)
	}
	r.units[u.ID()] = u
	r.health.RegisterChecker(u.ID(), u)
	r.log.Info("runtime.unit.register", slog.String("unit_id", u.ID()))
	return nil
}

// Unregister removes a unit. Messages already queued for it are discarded
// when they reach the loop.
func (r *Runtime) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[id]; !ok {
		return false
	}
	delete(r.units, id)
	r.health.UnregisterChecker(id)
	r.log.Info("runtime.unit.unregister", slog.String("unit_id", id))
	return true
}

// Units lists registered units sorted by id.
func (r *Runtime) Units() []UnitInfo {
	r.mu.RLock()
	out := make([]UnitInfo, 0, len(r.units))
	for id, u := range r.units {
		out = append(out, UnitInfo{ID: id, Status: u.Status()})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b UnitInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Runtime) unit(id string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[id]
	return u, ok
}

// Start launches the message loop, the health sweep and the approval sweep.
func (r *Runtime) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.halted {
		return errors.New(errors.CodeInvalidState, "runtime halted by emergency stop", nil)
	}
	if r.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.started = true

	r.wg.Add(1)
	go r.loop(ctx)
	if r.healthInterval > 0 {
		r.wg.Add(1)
		go r.healthLoop(ctx)
	}
	r.startApprovalSweeper(ctx)
	r.log.Info("runtime.start",
		slog.Int("queue_size", r.queueSize),
		slog.Duration("health_interval", r.healthInterval))
	return nil
}

// Stop halts the loops and waits for them. Queued messages are discarded.
func (r *Runtime) Stop(_ context.Context) error {
	r.shutdown(false)
	return nil
}

func (r *Runtime) shutdown(halt bool) {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.started = false
	if halt {
		r.halted = true
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()

	dropped := 0
drain:
	for {
		select {
		case <-r.queue:
			dropped++
		default:
			break drain
		}
	}
	r.log.Info("runtime.stop", slog.Bool("halted", halt), slog.Int("dropped_messages", dropped))
}

// Dispatch runs a unit's Execute synchronously.
func (r *Runtime) Dispatch(ctx context.Context, unitID string, payload any) (any, error) {
	if r.isHalted() {
		return nil, errors.New(errors.CodeInvalidState, "runtime halted by emergency stop", nil)
	}
	u, ok := r.unit(unitID)
	if !ok {
		return nil, errors.NotFound("unit", unitID)
	}
	ctx = core.WithUnitID(ctx, unitID)
	ctx, span := r.tracer.Start(ctx, "Runtime.Dispatch", trace.WithAttributes(attribute.String("unit.id", unitID)))
	defer span.End()

	r.log.Info("runtime.dispatch.start", slog.String("unit_id", unitID))
	out, err := u.Execute(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("runtime.dispatch.error", slog.String("unit_id", unitID), slog.String("error", err.Error()))
		return out, err
	}
	r.log.Info("runtime.dispatch.complete", slog.String("unit_id", unitID))
	return out, nil
}

// Send enqueues a message. It never blocks: a full queue or a halted
// runtime is an error.
func (r *Runtime) Send(msg Message) (string, error) {
	if r.isHalted() {
		return "", errors.New(errors.CodeInvalidState, "runtime halted by emergency stop", nil)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = MessageCommand
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	select {
	case r.queue <- msg:
		return msg.ID, nil
	default:
		return "", errors.New(errors.CodeRateLimit, "message queue full", nil).
			WithContext("queue_size", r.queueSize).
			WithRecoverable(true)
	}
}

// QueueLen returns the number of messages waiting.
func (r *Runtime) QueueLen() int { return len(r.queue) }

func (r *Runtime) isHalted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.halted
}

func (r *Runtime) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			r.handle(ctx, msg)
		}
	}
}

func (r *Runtime) handle(ctx context.Context, msg Message) {
	ctx, span := r.tracer.Start(ctx, "Runtime.Message", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
		attribute.String("message.to", msg.To),
	))
	defer span.End()

	var err error
	defer func() {
		for _, h := range r.hooks {
			h(ctx, msg, err)
		}
	}()

	u, ok := r.unit(msg.To)
	if !ok {
		err = errors.NotFound("unit", msg.To)
		r.log.Warn("runtime.message.discard",
			slog.String("message_id", msg.ID),
			slog.String("from", msg.From),
			slog.String("to", msg.To))
		return
	}
	ctx = core.WithUnitID(ctx, msg.To)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("message handler panicked: %v", p)
			r.log.Error("runtime.message.panic", slog.String("message_id", msg.ID), slog.String("to", msg.To), slog.Any("panic", p))
		}
	}()

	switch msg.Type {
	case MessageCommand:
		_, err = u.Execute(ctx, msg.Payload)
	default:
		recv, ok := u.(Receiver)
		if !ok {
			r.log.Debug("runtime.message.unhandled", slog.String("message_id", msg.ID), slog.String("type", string(msg.Type)))
			return
		}
		err = recv.Receive(ctx, msg)
	}
	if err != nil {
		span.RecordError(err)
		r.log.Error("runtime.message.error",
			slog.String("message_id", msg.ID),
			slog.String("to", msg.To),
			slog.String("error", err.Error()))
	}
}

// HealthCheck checks every unit concurrently.
func (r *Runtime) HealthCheck(ctx context.Context) ([]core.HealthResult, core.HealthStatus) {
	return r.health.CheckAll(ctx)
}

// healthLoop logs unhealthy units. Remediation is the unit's own concern.
func (r *Runtime) healthLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepHealth(ctx)
		}
	}
}

func (r *Runtime) sweepHealth(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "Runtime.HealthSweep")
	defer span.End()
	results, overall := r.health.CheckAll(ctx)
	for _, res := range results {
		if res.Healthy() {
			continue
		}
		attrs := []any{
			slog.String("unit_id", res.Component),
			slog.String("status", string(res.Status)),
			slog.String("message", res.Message),
		}
		if res.Error != nil {
			attrs = append(attrs, slog.String("error", res.Error.Error()))
		}
		r.log.Warn("runtime.health.unhealthy", attrs...)
	}
	span.SetAttributes(attribute.String("health.overall", string(overall)), attribute.Int("health.units", len(results)))
}
