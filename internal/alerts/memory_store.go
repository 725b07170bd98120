package alerts

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-memory alert store used when no database is configured.
type MemoryStore struct {
	clock     clockwork.Clock
	mu        sync.RWMutex
	byID      map[string]*Alert
	byAlertID map[string][]*Alert
}

// NewMemoryStore creates an empty in-memory store. A nil clock uses the
// real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:     clock,
		byID:      make(map[string]*Alert),
		byAlertID: make(map[string][]*Alert),
	}
}

func cloneAlert(a *Alert) *Alert {
	c := *a
	c.Evidence = maps.Clone(a.Evidence)
	return &c
}

func (m *MemoryStore) Append(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := cloneAlert(a)
	m.byID[c.ID] = c
	m.byAlertID[c.AlertID] = append(m.byAlertID[c.AlertID], c)
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, alertID string, to Status) (int, error) {
	if !to.Valid() {
		return 0, ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	changed := 0
	for _, a := range m.byAlertID[alertID] {
		if a.Status.Before(to) {
			a.Status = to
			a.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryStore) Count(_ context.Context, alertID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.byAlertID[alertID] {
		if a.Status != StatusResolved && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAlert(a), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Alert, error) {
	m.mu.RLock()
	var out []*Alert
	for _, a := range m.byID {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Kind != 0 && a.Kind != f.Kind {
			continue
		}
		if !f.Cursor.Precedes(a.CreatedAt, a.ID) {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Alert) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := newStats()
	for _, a := range m.byID {
		s.Total++
		s.BySeverity[a.Severity.String()]++
		s.ByKind[a.Kind.String()]++
		s.ByStatus[string(a.Status)]++
	}
	return s, nil
}

func (m *MemoryStore) ActiveCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, a := range m.byID {
		if a.Status == StatusActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ResolveMitigatedBefore(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, a := range m.byID {
		if a.Status == StatusMitigated && a.UpdatedAt.Before(before) {
			a.Status = StatusResolved
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteResolvedBefore(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, a := range m.byID {
		if a.Status == StatusResolved && a.UpdatedAt.Before(before) {
			delete(m.byID, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	for key, list := range m.byAlertID {
		kept := slices.DeleteFunc(list, func(a *Alert) bool {
			_, ok := m.byID[a.ID]
			return !ok
		})
		if len(kept) == 0 {
			delete(m.byAlertID, key)
		} else {
			m.byAlertID[key] = kept
		}
	}
	return n, nil
}
