// Package cache holds hydrated bot model states keyed by commit id.
//
// Commits are immutable, so an entry never goes stale. It only has to be
// evicted when the garbage collector deletes the commit.
package cache

import (
	"context"
	"encoding/json"
	"sync"
)

// StateCache is implemented by Memory and Redis.
type StateCache interface {
	Get(ctx context.Context, commitID string) (json.RawMessage, bool, error)
	Put(ctx context.Context, commitID string, state json.RawMessage) error
	Delete(ctx context.Context, commitIDs ...string) error
}

// Memory is a bounded in-process cache with first-in first-out eviction.
type Memory struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]json.RawMessage
	order    []string
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		capacity: capacity,
		entries:  make(map[string]json.RawMessage, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (m *Memory) Get(_ context.Context, commitID string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.entries[commitID]
	if !ok {
		return nil, false, nil
	}
	return cloneState(state), true, nil
}

func (m *Memory) Put(_ context.Context, commitID string, state json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[commitID]; ok {
		m.entries[commitID] = cloneState(state)
		return nil
	}
	for len(m.order) >= m.capacity {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
	m.entries[commitID] = cloneState(state)
	m.order = append(m.order, commitID)
	return nil
}

func (m *Memory) Delete(_ context.Context, commitIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]struct{}, len(commitIDs))
	for _, id := range commitIDs {
		if _, ok := m.entries[id]; ok {
			drop[id] = struct{}{}
			delete(m.entries, id)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	m.order = kept
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func cloneState(state json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(state))
	copy(out, state)
	return out
}
