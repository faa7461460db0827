// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	orcherrors "github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	config := DefaultRetryConfig().WithMaxAttempts(2).WithInitialDelay(time.Millisecond)
	err := config.Do(context.Background(), func(context.Context) error {
		attempts++
		return errors.New("always fails")
	})

	if err == nil {
		t.Errorf("expected error after max attempts")
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetrySkipsNonRecoverableAndOpenCircuit(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"non recoverable typed error", orcherrors.New(orcherrors.CodeToolFailure, "bad", nil)},
		{"open circuit", orcherrors.CircuitOpen("shell")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			err := DefaultRetryConfig().Do(context.Background(), func(context.Context) error {
				attempts++
				return tt.err
			})
			if err == nil {
				t.Fatalf("expected error")
			}
			if attempts != 1 {
				t.Errorf("expected a single attempt, got %d", attempts)
			}
		})
	}
}

func TestRetryContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultRetryConfig().WithInitialDelay(time.Second)

	attempts := 0
	err := config.Do(ctx, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("transient")
	})
	if !orcherrors.Is(err, orcherrors.CodeContextLost) {
		t.Fatalf("expected CONTEXT_LOST, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryValue(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), DefaultRetryConfig().WithInitialDelay(time.Millisecond),
		func(context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", orcherrors.New(orcherrors.CodeTimeout, "slow", nil).WithRecoverable(true)
			}
			return "ok", nil
		})
	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %q, %v", v, err)
	}
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !orcherrors.Is(err, orcherrors.CodeTimeout) {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}

	v, err := WithTimeout(context.Background(), time.Second, func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Fatalf("expected 42, got %d, %v", v, err)
	}
}

func TestWithFallback(t *testing.T) {
	fail := func(context.Context) (string, error) { return "", errors.New("primary down") }

	v, err := WithFallback(context.Background(), fail, FallbackStrategy[string](StaticFallback[string]{Value: "default"}))
	if err != nil || v != "default" {
		t.Fatalf("expected static fallback, got %q, %v", v, err)
	}

	chain := ChainedFallback[string]{Fallbacks: []FallbackStrategy[string]{
		FallbackFunc[string](func(ctx context.Context, err error) (string, error) { return "", err }),
		StaticFallback[string]{Value: "second"},
	}}
	v, err = WithFallback(context.Background(), fail, FallbackStrategy[string](chain))
	if err != nil || v != "second" {
		t.Fatalf("expected chained fallback, got %q, %v", v, err)
	}
}
