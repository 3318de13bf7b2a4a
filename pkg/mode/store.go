// Package mode holds the single active enforcement posture. The store is a
// versioned, single-writer record; reads hand out value snapshots.
package mode

import (
	"context"
	"errors"
	"sort"
	"sync"

	"ransomeye/pkg/models"
)

var (
	ErrNoActiveMode    = errors.New("no active enforcement mode")
	ErrVersionConflict = errors.New("enforcement mode version conflict")
)

// Store persists mode rows. Swap must deactivate the current row and insert
// next atomically, failing with ErrVersionConflict when the active version is
// not expected.
type Store interface {
	Active(ctx context.Context) (models.EnforcementMode, error)
	Bootstrap(ctx context.Context, initial models.EnforcementMode) (models.EnforcementMode, error)
	Swap(ctx context.Context, expected int64, next models.EnforcementMode) (models.EnforcementMode, error)
	History(ctx context.Context, limit int) ([]models.EnforcementMode, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	rows []models.EnforcementMode
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) activeLocked() (int, bool) {
	for i := range m.rows {
		if m.rows[i].Active {
			return i, true
		}
	}
	return -1, false
}

func (m *MemoryStore) Active(context.Context) (models.EnforcementMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.activeLocked()
	if !ok {
		return models.EnforcementMode{}, ErrNoActiveMode
	}
	return m.rows[i], nil
}

func (m *MemoryStore) Bootstrap(_ context.Context, initial models.EnforcementMode) (models.EnforcementMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.activeLocked(); ok {
		return m.rows[i], nil
	}
	initial.Active = true
	if initial.Version == 0 {
		initial.Version = int64(len(m.rows)) + 1
	}
	m.rows = append(m.rows, initial)
	return initial, nil
}

func (m *MemoryStore) Swap(_ context.Context, expected int64, next models.EnforcementMode) (models.EnforcementMode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.activeLocked()
	if !ok {
		return models.EnforcementMode{}, ErrNoActiveMode
	}
	if m.rows[i].Version != expected {
		return models.EnforcementMode{}, ErrVersionConflict
	}
	m.rows[i].Active = false
	next.Version = m.rows[i].Version + 1
	next.Active = true
	m.rows = append(m.rows, next)
	return next, nil
}

func (m *MemoryStore) History(_ context.Context, limit int) ([]models.EnforcementMode, error) {
	m.mu.Lock()
	out := append([]models.EnforcementMode(nil), m.rows...)
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
