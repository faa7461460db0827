// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	orcherrors "github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock *fakeClock, minReq, threshold int) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		MinimumRequests:  minReq,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 2,
		Clock:            clock.Now,
	}, NewMemoryStore())
}

func record(ctx context.Context, cb *CircuitBreaker, successes, failures int) {
	for i := 0; i < successes; i++ {
		cb.RecordSuccess(ctx)
	}
	for i := 0; i < failures; i++ {
		cb.RecordFailure(ctx)
	}
}

func TestBreakerTripsOnFailureRate(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(newFakeClock(), 10, 5)

	// Failures before the sample floor never trip.
	record(ctx, cb, 4, 5)
	if cb.State(ctx) != StateClosed {
		t.Fatalf("expected closed below minimum requests, got %v", cb.State(ctx))
	}
	record(ctx, cb, 0, 1)
	if cb.State(ctx) != StateOpen {
		t.Fatalf("expected open at 6/10 failures, got %v", cb.State(ctx))
	}
}

func TestBreakerTripsOnThresholdBelowRate(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(newFakeClock(), 10, 3)

	record(ctx, cb, 7, 3)
	if cb.State(ctx) != StateOpen {
		t.Fatalf("expected open at 3 failures with threshold 3, got %v", cb.State(ctx))
	}
}

func TestBreakerSuccessForgivesFailuresWhenClosed(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(newFakeClock(), 10, 5)

	record(ctx, cb, 0, 2)
	cb.RecordSuccess(ctx)
	snap, err := cb.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateClosed {
		t.Fatalf("expected closed, got %v", snap.State)
	}
	if snap.FailureCount != 0 {
		t.Errorf("expected failures reset by success, got %d", snap.FailureCount)
	}
	if snap.LastSuccessAt.IsZero() {
		t.Errorf("expected last success to be recorded")
	}
}

func TestBreakerHalfOpenAdmission(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 1)

	cb.RecordFailure(ctx)
	if cb.CanExecute(ctx) {
		t.Fatalf("open breaker must reject before recovery timeout")
	}

	clock.Advance(1500 * time.Millisecond)
	if !cb.CanExecute(ctx) {
		t.Fatalf("expected first trial call to be admitted")
	}
	if cb.State(ctx) != StateHalfOpen {
		t.Fatalf("expected half_open, got %v", cb.State(ctx))
	}
	if !cb.CanExecute(ctx) {
		t.Fatalf("expected second trial call to be admitted")
	}
	if cb.CanExecute(ctx) {
		t.Fatalf("expected third concurrent trial call to be rejected")
	}
}

func TestBreakerLosingTripKeepsOpenedAt(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 1)

	cb.RecordFailure(ctx)
	first, err := cb.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// A second caller that still saw closed loses the state swap.
	clock.Advance(500 * time.Millisecond)
	if err := cb.trip(ctx, stateClosed); err != nil {
		t.Fatalf("trip: %v", err)
	}
	after, err := cb.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !after.OpenedAt.Equal(first.OpenedAt) {
		t.Fatalf("openedAt moved from %v to %v", first.OpenedAt, after.OpenedAt)
	}

	clock.Advance(600 * time.Millisecond)
	if !cb.CanExecute(ctx) {
		t.Fatalf("recovery timeout counts from the first trip")
	}
}

func TestBreakerOpenWithoutStampRejects(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "unstamped",
		FailureThreshold: 1,
		MinimumRequests:  1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		Clock:            newFakeClock().Now,
	}, store)

	if err := store.Set(ctx, cb.kState, stateOpen); err != nil {
		t.Fatal(err)
	}
	if cb.CanExecute(ctx) {
		t.Fatalf("open breaker without openedAt must reject")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 1)

	cb.RecordFailure(ctx)
	clock.Advance(2 * time.Second)
	cb.CanExecute(ctx)

	cb.RecordFailure(ctx)
	if cb.State(ctx) != StateOpen {
		t.Fatalf("expected single half_open failure to reopen, got %v", cb.State(ctx))
	}
	if cb.CanExecute(ctx) {
		t.Fatalf("reopened breaker must wait a fresh recovery timeout")
	}
}

func TestBreakerHalfOpenThreeSuccessesReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 1)

	cb.RecordFailure(ctx)

	var transitions []CircuitBreakerState
	cb.config.OnStateChange = func(_ string, _, to CircuitBreakerState) {
		transitions = append(transitions, to)
	}
	clock.Advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		if !cb.CanExecute(ctx) {
			t.Fatalf("trial %d rejected", i)
		}
		cb.RecordSuccess(ctx)
		if i < 2 && cb.State(ctx) != StateHalfOpen {
			t.Fatalf("expected half_open after %d successes", i+1)
		}
	}

	snap, err := cb.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.State != StateClosed || snap.FailureCount != 0 || snap.SuccessCount != 0 {
		t.Fatalf("expected closed with zeroed counters, got %+v", snap)
	}
	if len(transitions) != 2 || transitions[0] != StateHalfOpen || transitions[1] != StateClosed {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestBreakerExecute(t *testing.T) {
	ctx := context.Background()
	cb := newTestBreaker(newFakeClock(), 1, 1)

	if err := cb.Execute(ctx, func(context.Context) error { return errors.New("down") }); err == nil {
		t.Fatalf("expected underlying error")
	}

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("open breaker must not invoke the call")
	}
	if !orcherrors.Is(err, orcherrors.CodeCircuitOpen) {
		t.Fatalf("expected CIRCUIT_OPEN, got %v", err)
	}
}

func TestBreakersShareStore(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemoryStore()
	cfg := CircuitBreakerConfig{Name: "shared", FailureThreshold: 2, MinimumRequests: 1, Clock: clock.Now}
	a := NewCircuitBreaker(cfg, store)
	b := NewCircuitBreaker(cfg, store)

	a.RecordFailure(ctx)
	b.RecordFailure(ctx)
	if a.State(ctx) != StateOpen || b.State(ctx) != StateOpen {
		t.Fatalf("expected both views open")
	}
}

func TestBreakerConcurrentHalfOpenAdmission(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	cb := newTestBreaker(clock, 1, 1)
	cb.RecordFailure(ctx)
	clock.Advance(2 * time.Second)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cb.CanExecute(ctx) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 2 {
		t.Fatalf("expected exactly 2 admitted trial calls, got %d", got)
	}
}

func TestMemoryStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, _ := s.CompareAndSwap(ctx, "k", 0, 5)
	if !ok {
		t.Fatalf("expected CAS from unset to succeed")
	}
	ok, _ = s.CompareAndSwap(ctx, "k", 0, 6)
	if ok {
		t.Fatalf("expected stale CAS to fail")
	}
	if v, _ := s.Get(ctx, "k"); v != 5 {
		t.Fatalf("expected 5, got %d", v)
	}
	_ = s.Delete(ctx, "k")
	if v, _ := s.Get(ctx, "k"); v != 0 {
		t.Fatalf("expected deleted key to read 0, got %d", v)
	}
}
