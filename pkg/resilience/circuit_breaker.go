// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the circuit breaker, retry, timeout and fallback
// primitives that guard every outbound call.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means calls pass through.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means calls are rejected immediately.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means a bounded number of trial calls are admitted.
	StateHalfOpen CircuitBreakerState = "half_open"
)

// Stored encodings of the state counter.
const (
	stateClosed int64 = iota
	stateOpen
	stateHalfOpen
)

func decodeState(v int64) CircuitBreakerState {
	switch v {
	case stateOpen:
		return StateOpen
	case stateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// StateValue is the numeric encoding used by the breaker gauge.
func (s CircuitBreakerState) StateValue() int64 {
	switch s {
	case StateOpen:
		return stateOpen
	case StateHalfOpen:
		return stateHalfOpen
	default:
		return stateClosed
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name is the breaker identifier; it namespaces the counters in the store.
	Name string

	// FailureThreshold trips the breaker once this many failures accumulate.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting trial calls.
	RecoveryTimeout time.Duration

	// MinimumRequests is the sample floor before any trip decision.
	MinimumRequests int

	// HalfOpenMaxCalls bounds outstanding trial calls in half_open.
	HalfOpenMaxCalls int

	// HalfOpenSuccesses closes the breaker after this many half_open successes.
	HalfOpenSuccesses int

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// OnStateChange is called after a transition this breaker performed.
	OnStateChange func(name string, from, to CircuitBreakerState)

	// IsFailure decides which errors from Execute count as failures. Defaults to all.
	IsFailure func(error) bool
}

// DefaultCircuitBreakerConfig returns the defaults used when a field is zero.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		MinimumRequests:   10,
		HalfOpenMaxCalls:  3,
		HalfOpenSuccesses: 3,
	}
}

// BreakerSnapshot is the externally visible state of one breaker.
type BreakerSnapshot struct {
	Name          string              `json:"name"`
	State         CircuitBreakerState `json:"state"`
	FailureCount  int64               `json:"failure_count"`
	SuccessCount  int64               `json:"success_count"`
	OpenedAt      time.Time           `json:"opened_at,omitzero"`
	LastSuccessAt time.Time           `json:"last_success_at,omitzero"`
}

// CircuitBreaker is a three-state breaker whose counters live in a CounterStore.
// The breaker itself holds no mutable state, so any number of instances sharing
// a store and a name behave as one breaker.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	store  CounterStore
	log    *slog.Logger

	kState, kFailures, kSuccesses, kOpenedAt, kLastSuccess, kInflight string
}

// NewCircuitBreaker creates a breaker. A nil store means a private MemoryStore.
func NewCircuitBreaker(config CircuitBreakerConfig, store CounterStore) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig(config.Name)
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	if config.FailureThreshold < 1 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = def.RecoveryTimeout
	}
	if config.MinimumRequests < 1 {
		config.MinimumRequests = 1
	}
	if config.HalfOpenMaxCalls < 1 {
		config.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if config.HalfOpenSuccesses < 1 {
		config.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if store == nil {
		store = NewMemoryStore()
	}
	prefix := "breaker:" + config.Name + ":"
	return &CircuitBreaker{
		config:       config,
		store:        store,
		log:          slog.Default().With(slog.String("breaker", config.Name)),
		kState:       prefix + "state",
		kFailures:    prefix + "failures",
		kSuccesses:   prefix + "successes",
		kOpenedAt:    prefix + "opened_at",
		kLastSuccess: prefix + "last_success_at",
		kInflight:    prefix + "half_open_inflight",
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.config.Name }

func (cb *CircuitBreaker) now() int64 { return cb.config.Clock().UnixMilli() }

// CanExecute reports whether a call may proceed. In open it performs the
// open to half_open transition once the recovery timeout has elapsed; in
// half_open it admits at most HalfOpenMaxCalls outstanding trial calls.
// A store failure admits the call: the breaker guards the dependency, not the store.
func (cb *CircuitBreaker) CanExecute(ctx context.Context) bool {
	ok, err := cb.canExecute(ctx)
	if err != nil {
		cb.log.Warn("breaker.store.error", slog.String("op", "can_execute"), slog.String("error", err.Error()))
		return true
	}
	return ok
}

func (cb *CircuitBreaker) canExecute(ctx context.Context) (bool, error) {
	raw, err := cb.store.Get(ctx, cb.kState)
	if err != nil {
		return false, err
	}
	switch raw {
	case stateClosed:
		return true, nil
	case stateOpen:
		openedAt, err := cb.store.Get(ctx, cb.kOpenedAt)
		if err != nil {
			return false, err
		}
		if openedAt == 0 || cb.now()-openedAt <= cb.config.RecoveryTimeout.Milliseconds() {
			return false, nil
		}
		swapped, err := cb.store.CompareAndSwap(ctx, cb.kState, stateOpen, stateHalfOpen)
		if err != nil {
			return false, err
		}
		if swapped {
			if err := cb.store.Delete(ctx, cb.kFailures, cb.kSuccesses, cb.kOpenedAt); err != nil {
				return false, err
			}
			cb.transitioned(StateOpen, StateHalfOpen)
		}
		return cb.admitTrial(ctx)
	case stateHalfOpen:
		return cb.admitTrial(ctx)
	default:
		return true, nil
	}
}

func (cb *CircuitBreaker) admitTrial(ctx context.Context) (bool, error) {
	n, err := cb.store.Add(ctx, cb.kInflight, 1)
	if err != nil {
		return false, err
	}
	if n <= int64(cb.config.HalfOpenMaxCalls) {
		return true, nil
	}
	if _, err := cb.store.Add(ctx, cb.kInflight, -1); err != nil {
		return false, err
	}
	return false, nil
}

// RecordSuccess records a successful call. In closed it forgives prior failures;
// in half_open it resets the breaker after HalfOpenSuccesses successes.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) {
	if err := cb.recordSuccess(ctx); err != nil {
		cb.log.Warn("breaker.store.error", slog.String("op", "record_success"), slog.String("error", err.Error()))
	}
}

func (cb *CircuitBreaker) recordSuccess(ctx context.Context) error {
	successes, err := cb.store.Add(ctx, cb.kSuccesses, 1)
	if err != nil {
		return err
	}
	if err := cb.store.Set(ctx, cb.kLastSuccess, cb.now()); err != nil {
		return err
	}
	raw, err := cb.store.Get(ctx, cb.kState)
	if err != nil {
		return err
	}
	switch raw {
	case stateClosed:
		return cb.store.Set(ctx, cb.kFailures, 0)
	case stateHalfOpen:
		if _, err := cb.store.Add(ctx, cb.kInflight, -1); err != nil {
			return err
		}
		if successes >= int64(cb.config.HalfOpenSuccesses) {
			return cb.reset(ctx, StateHalfOpen)
		}
	}
	return nil
}

// RecordFailure records a failed call. Any half_open failure reopens the breaker.
// In closed, once MinimumRequests calls were observed, the breaker trips when the
// failure rate exceeds 0.5 or the failure count reaches FailureThreshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) {
	if err := cb.recordFailure(ctx); err != nil {
		cb.log.Warn("breaker.store.error", slog.String("op", "record_failure"), slog.String("error", err.Error()))
	}
}

func (cb *CircuitBreaker) recordFailure(ctx context.Context) error {
	failures, err := cb.store.Add(ctx, cb.kFailures, 1)
	if err != nil {
		return err
	}
	raw, err := cb.store.Get(ctx, cb.kState)
	if err != nil {
		return err
	}
	switch raw {
	case stateHalfOpen:
		return cb.trip(ctx, stateHalfOpen)
	case stateClosed:
		successes, err := cb.store.Get(ctx, cb.kSuccesses)
		if err != nil {
			return err
		}
		total := failures + successes
		if total < int64(cb.config.MinimumRequests) {
			return nil
		}
		rate := float64(failures) / float64(total)
		if rate > 0.5 || failures >= int64(cb.config.FailureThreshold) {
			return cb.trip(ctx, stateClosed)
		}
	}
	return nil
}

// trip stamps openedAt only when this caller won the transition. Until the
// stamp lands, openedAt reads 0 and CanExecute keeps the breaker closed to calls.
func (cb *CircuitBreaker) trip(ctx context.Context, from int64) error {
	swapped, err := cb.store.CompareAndSwap(ctx, cb.kState, from, stateOpen)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}
	if err := cb.store.Set(ctx, cb.kOpenedAt, cb.now()); err != nil {
		return err
	}
	// No trial calls are admitted while open, so the half_open budget starts clean.
	if err := cb.store.Delete(ctx, cb.kInflight); err != nil {
		return err
	}
	cb.transitioned(decodeState(from), StateOpen)
	return nil
}

// Reset clears all counters and returns the breaker to closed.
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	raw, err := cb.store.Get(ctx, cb.kState)
	if err != nil {
		return err
	}
	return cb.reset(ctx, decodeState(raw))
}

func (cb *CircuitBreaker) reset(ctx context.Context, from CircuitBreakerState) error {
	if err := cb.store.Delete(ctx, cb.kFailures, cb.kSuccesses, cb.kInflight, cb.kOpenedAt); err != nil {
		return err
	}
	if err := cb.store.Set(ctx, cb.kState, stateClosed); err != nil {
		return err
	}
	if from != StateClosed {
		cb.transitioned(from, StateClosed)
	}
	return nil
}

// State returns the current state; store failures read as closed.
func (cb *CircuitBreaker) State(ctx context.Context) CircuitBreakerState {
	raw, err := cb.store.Get(ctx, cb.kState)
	if err != nil {
		return StateClosed
	}
	return decodeState(raw)
}

// Snapshot reads the full breaker state.
func (cb *CircuitBreaker) Snapshot(ctx context.Context) (BreakerSnapshot, error) {
	snap := BreakerSnapshot{Name: cb.config.Name}
	vals := make([]int64, 5)
	for i, k := range []string{cb.kState, cb.kFailures, cb.kSuccesses, cb.kOpenedAt, cb.kLastSuccess} {
		v, err := cb.store.Get(ctx, k)
		if err != nil {
			return snap, err
		}
		vals[i] = v
	}
	snap.State = decodeState(vals[0])
	snap.FailureCount = vals[1]
	snap.SuccessCount = vals[2]
	if vals[3] > 0 {
		snap.OpenedAt = time.UnixMilli(vals[3]).UTC()
	}
	if vals[4] > 0 {
		snap.LastSuccessAt = time.UnixMilli(vals[4]).UTC()
	}
	return snap, nil
}

// Execute runs fn if the breaker admits it and records the outcome.
// A rejected call returns a CIRCUIT_OPEN error without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.CanExecute(ctx) {
		return errors.CircuitOpen(cb.config.Name)
	}
	err := fn(ctx)
	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		cb.RecordFailure(ctx)
		return err
	}
	cb.RecordSuccess(ctx)
	return err
}

func (cb *CircuitBreaker) transitioned(from, to CircuitBreakerState) {
	cb.log.Info("breaker.transition", slog.String("from", string(from)), slog.String("to", string(to)))
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
