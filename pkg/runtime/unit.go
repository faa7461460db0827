// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/core"
)

// UnitStatus is the lifecycle status a unit reports.
type UnitStatus string

const (
	UnitActive  UnitStatus = "active"
	UnitIdle    UnitStatus = "idle"
	UnitStopped UnitStatus = "stopped"
)

// Unit is a long-lived executable unit owning one domain of actions. It runs
// its own plan, dry run, apply and rollback lifecycle.
type Unit interface {
	ID() string
	Status() UnitStatus
	Execute(ctx context.Context, payload any) (any, error)
	// Rollback reverses whatever the unit applied and still owns.
	Rollback(ctx context.Context) error
	core.HealthChecker
}

// Receiver is implemented by units that accept non-command messages.
type Receiver interface {
	Receive(ctx context.Context, msg Message) error
}

// MessageType classifies inter-unit messages.
type MessageType string

const (
	// MessageCommand asks the target to Execute the payload.
	MessageCommand MessageType = "command"
	MessageEvent   MessageType = "event"
	MessageQuery   MessageType = "query"
)

// Message travels between units through the runtime queue.
type Message struct {
	ID      string      `json:"id"`
	From    string      `json:"from,omitempty"`
	To      string      `json:"to"`
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
	SentAt  time.Time   `json:"sent_at"`
}

// UnitInfo describes a registered unit.
type UnitInfo struct {
	ID     string     `json:"id"`
	Status UnitStatus `json:"status"`
}

// StopResult is the outcome of one unit's emergency rollback.
type StopResult struct {
	UnitID   string        `json:"unit_id"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}
