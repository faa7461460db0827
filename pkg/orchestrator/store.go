// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Royal-Equips-Org/royal-equips-orchestrator-sub008/pkg/errors"
)

// ExecutionStore persists executions so an approval can arrive in a later
// process than the submission.
type ExecutionStore interface {
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// FindByPlan returns the most recent execution of a plan.
	FindByPlan(ctx context.Context, planID string) (*Execution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
}

// ExecutionFilter limits execution queries. Results are newest first.
type ExecutionFilter struct {
	State  State
	PlanID string
	Limit  int
}

func (f ExecutionFilter) matches(e *Execution) bool {
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.PlanID != "" && e.PlanID() != f.PlanID {
		return false
	}
	return true
}

// AuditEntry records one lifecycle transition.
type AuditEntry struct {
	ExecutionID string         `json:"execution_id"`
	PlanID      string         `json:"plan_id"`
	From        State          `json:"from,omitempty"`
	To          State          `json:"to"`
	Reason      string         `json:"reason,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
	At          time.Time      `json:"at"`
}

// AuditStore is the append-only transition log.
type AuditStore interface {
	Record(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditFilter limits audit queries. Results are oldest first.
type AuditFilter struct {
	ExecutionID string
	PlanID      string
	To          State
	Limit       int
}

func (f AuditFilter) matches(e AuditEntry) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.PlanID != "" && e.PlanID != f.PlanID {
		return false
	}
	if f.To != "" && e.To != f.To {
		return false
	}
	return true
}

// MemoryExecutionStore keeps executions in memory. Stored values are copies.
type MemoryExecutionStore struct {
	mu    sync.RWMutex
	execs map[string]*Execution
}

// NewMemoryExecutionStore returns an empty in-memory store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{execs: make(map[string]*Execution)}
}

// Save inserts or replaces an execution.
func (s *MemoryExecutionStore) Save(_ context.Context, exec *Execution) error {
	if exec == nil || exec.ID == "" {
		return errors.New(errors.CodeInvalidInput, "execution id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec.Clone()
	return nil
}

// Get returns an execution by id.
func (s *MemoryExecutionStore) Get(_ context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, errors.NotFound("execution", id)
	}
	return e.Clone(), nil
}

// FindByPlan returns the newest execution of planID.
func (s *MemoryExecutionStore) FindByPlan(ctx context.Context, planID string) (*Execution, error) {
	out, _ := s.List(ctx, ExecutionFilter{PlanID: planID, Limit: 1})
	if len(out) == 0 {
		return nil, errors.NotFound("plan", planID)
	}
	return out[0], nil
}

// List returns matching executions, newest first.
func (s *MemoryExecutionStore) List(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	out := make([]*Execution, 0, len(s.execs))
	for _, e := range s.execs {
		if filter.matches(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Execution) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// MemoryAuditStore keeps audit entries in memory.
type MemoryAuditStore struct {
	mu      sync.Mutex
	entries []AuditEntry
}

// NewMemoryAuditStore returns an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Record appends an entry.
func (s *MemoryAuditStore) Record(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// List returns filtered entries in insertion order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
