// SPDX-License-Identifier: Apache-2.0

package resilience

import "context"

// FallbackStrategy produces a substitute value when the primary operation fails.
type FallbackStrategy[T any] interface {
	Execute(ctx context.Context, primaryErr error) (T, error)
}

// FallbackFunc wraps a function as a FallbackStrategy.
type FallbackFunc[T any] func(ctx context.Context, primaryErr error) (T, error)

// Execute implements FallbackStrategy.
func (f FallbackFunc[T]) Execute(ctx context.Context, err error) (T, error) {
	return f(ctx, err)
}

// StaticFallback returns a fixed value on failure.
type StaticFallback[T any] struct {
	Value T
}

// Execute implements FallbackStrategy.
func (s StaticFallback[T]) Execute(context.Context, error) (T, error) {
	return s.Value, nil
}

// ChainedFallback tries multiple fallbacks in sequence.
type ChainedFallback[T any] struct {
	Fallbacks []FallbackStrategy[T]
}

// Execute implements FallbackStrategy.
func (c ChainedFallback[T]) Execute(ctx context.Context, primaryErr error) (T, error) {
	var zero T
	lastErr := primaryErr
	for _, fb := range c.Fallbacks {
		v, err := fb.Execute(ctx, lastErr)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// WithFallback executes fn, and on error defers to the fallback strategy.
func WithFallback[T any](ctx context.Context, fn func(ctx context.Context) (T, error), fallback FallbackStrategy[T]) (T, error) {
	v, err := fn(ctx)
	if err == nil {
		return v, nil
	}
	return fallback.Execute(ctx, err)
}
