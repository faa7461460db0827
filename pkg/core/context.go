// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"

	"github.com/google/uuid"
)

type executionIDKey struct{}
type unitIDKey struct{}

// WithExecutionID attaches an execution id to the context.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey{}, id)
}

// ExecutionID returns the execution id if present.
func ExecutionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(executionIDKey{}).(string)
	return id, ok && id != ""
}

// EnsureExecutionID ensures an execution id exists in the context.
func EnsureExecutionID(ctx context.Context) (context.Context, string) {
	if id, ok := ExecutionID(ctx); ok {
		return ctx, id
	}
	id := "exec-" + uuid.NewString()
	return WithExecutionID(ctx, id), id
}

// WithUnitID records which runtime unit is acting.
func WithUnitID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, unitIDKey{}, id)
}

// UnitID returns the acting unit id if present.
func UnitID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(unitIDKey{}).(string)
	return id, ok
}
