// SPDX-License-Identifier: Apache-2.0

package core

import (
	"context"
	"time"
)

// EventType identifies an execution lifecycle event.
type EventType string

const (
	EventPlanned          EventType = "execution.planned"
	EventVerified         EventType = "execution.verified"
	EventApprovalPending  EventType = "execution.approval_pending"
	EventApprovalGranted  EventType = "execution.approval_granted"
	EventApprovalRejected EventType = "execution.approval_rejected"
	EventDryRunValidated  EventType = "execution.dry_run_validated"
	EventApplied          EventType = "execution.applied"
	EventRolledBack       EventType = "execution.rolled_back"
	EventFailed           EventType = "execution.failed"
	EventExpired          EventType = "execution.expired"
)

// Event captures one transition of an execution.
type Event struct {
	Type        EventType
	ExecutionID string
	PlanID      string
	Timestamp   time.Time
	Payload     map[string]any
}

// EventEmitter receives lifecycle events.
type EventEmitter interface {
	Emit(ctx context.Context, event Event)
}

// NoopEventEmitter is a default no-op implementation.
type NoopEventEmitter struct{}

// Emit implements EventEmitter.
func (NoopEventEmitter) Emit(_ context.Context, _ Event) {}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, executionID, planID string, payload map[string]any) Event {
	return Event{
		Type:        eventType,
		ExecutionID: executionID,
		PlanID:      planID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}
