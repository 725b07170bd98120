package circuitbreaker

import (
	"context"
	"slices"
	"sync"
)

// AuditStore persists circuit breaker events. It is append-only.
type AuditStore interface {
	Append(ctx context.Context, ev *Event) error
	// List returns the most recent events, newest first.
	List(ctx context.Context, limit int) ([]*Event, error)
}

// MemoryAuditStore keeps events in process memory.
type MemoryAuditStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryAuditStore creates an empty audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (m *MemoryAuditStore) Append(_ context.Context, ev *Event) error {
	c := *ev
	m.mu.Lock()
	m.events = append(m.events, &c)
	m.mu.Unlock()
	return nil
}

func (m *MemoryAuditStore) List(_ context.Context, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Event, 0, len(m.events))
	for _, ev := range slices.Backward(m.events) {
		if limit > 0 && len(out) == limit {
			break
		}
		c := *ev
		out = append(out, &c)
	}
	return out, nil
}

// Len returns the number of recorded events.
func (m *MemoryAuditStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
