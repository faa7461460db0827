// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"sync"
	"sync/atomic"
)

// CounterStore is the shared key-value state behind a breaker. Every mutation is
// an atomic primitive so concurrent callers, possibly in other processes, never
// lose updates to a local read-modify-write.
type CounterStore interface {
	// Get returns the value of key, or 0 when it is unset.
	Get(ctx context.Context, key string) (int64, error)
	// Add atomically adds delta and returns the new value.
	Add(ctx context.Context, key string, delta int64) (int64, error)
	// Set unconditionally stores v.
	Set(ctx context.Context, key string, v int64) error
	// CompareAndSwap stores next only if the current value equals old (unset counts as 0).
	CompareAndSwap(ctx context.Context, key string, old, next int64) (bool, error)
	// Delete removes keys; missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore is an in-process CounterStore built on sync/atomic.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*atomic.Int64)}
}

func (m *MemoryStore) counter(key string) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[key]
	if !ok {
		c = new(atomic.Int64)
		m.counters[key] = c
	}
	return c
}

// Get implements CounterStore.
func (m *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	return m.counter(key).Load(), nil
}

// Add implements CounterStore.
func (m *MemoryStore) Add(_ context.Context, key string, delta int64) (int64, error) {
	return m.counter(key).Add(delta), nil
}

// Set implements CounterStore.
func (m *MemoryStore) Set(_ context.Context, key string, v int64) error {
	m.counter(key).Store(v)
	return nil
}

// CompareAndSwap implements CounterStore.
func (m *MemoryStore) CompareAndSwap(_ context.Context, key string, old, next int64) (bool, error) {
	return m.counter(key).CompareAndSwap(old, next), nil
}

// Delete implements CounterStore. Deleted counters read as zero.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.counter(k).Store(0)
	}
	return nil
}

var _ CounterStore = (*MemoryStore)(nil)
