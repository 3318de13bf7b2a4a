// Package rollback keeps the record that must exist before a command is
// dispatched, and routes rollback requests back through the pipeline gates.
package rollback

import (
	"context"
	"errors"
	"sync"
	"time"

	"ransomeye/pkg/models"
)

var (
	ErrNotFound          = errors.New("rollback record not found")
	ErrExists            = errors.New("rollback record already exists")
	ErrInvalidTransition = errors.New("invalid rollback transition")
)

// CanTransition: PENDING, FAILED and DENIED may be re-attempted; EXECUTED is
// final.
func CanTransition(from, to models.RollbackStatus) bool {
	switch from {
	case models.RollbackPending, models.RollbackFailed, models.RollbackDenied:
		return to == models.RollbackExecuted || to == models.RollbackFailed || to == models.RollbackDenied
	}
	return false
}

type Store interface {
	Prerecord(ctx context.Context, rec models.RollbackRecord) error
	Get(ctx context.Context, rollbackID string) (models.RollbackRecord, error)
	GetByOriginal(ctx context.Context, originalCommandID string) (models.RollbackRecord, error)
	// Update replaces the status fields of the record for rec.RollbackID when
	// its stored status is from.
	Update(ctx context.Context, from models.RollbackStatus, rec models.RollbackRecord) error
}

type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]models.RollbackRecord
	orig map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]models.RollbackRecord{}, orig: map[string]string{}}
}

func (m *MemoryStore) Prerecord(_ context.Context, rec models.RollbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orig[rec.OriginalCommandID]; ok {
		return ErrExists
	}
	m.byID[rec.RollbackID] = rec
	m.orig[rec.OriginalCommandID] = rec.RollbackID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.RollbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return models.RollbackRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) GetByOriginal(ctx context.Context, original string) (models.RollbackRecord, error) {
	m.mu.Lock()
	id, ok := m.orig[original]
	m.mu.Unlock()
	if !ok {
		return models.RollbackRecord{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) Update(_ context.Context, from models.RollbackStatus, rec models.RollbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[rec.RollbackID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrInvalidTransition
	}
	cur.Status = rec.Status
	cur.RollbackCommandID = rec.RollbackCommandID
	cur.Reason = rec.Reason
	cur.Error = rec.Error
	cur.UpdatedAt = rec.UpdatedAt
	m.byID[rec.RollbackID] = cur
	return nil
}

// Transition moves rec to status, recording the rollback command and error.
func Transition(ctx context.Context, s Store, rec models.RollbackRecord, to models.RollbackStatus, rollbackCommandID, reason, errMsg string, now time.Time) (models.RollbackRecord, error) {
	if !CanTransition(rec.Status, to) {
		return rec, ErrInvalidTransition
	}
	from := rec.Status
	rec.Status = to
	if rollbackCommandID != "" {
		rec.RollbackCommandID = rollbackCommandID
	}
	if reason != "" {
		rec.Reason = reason
	}
	rec.Error = errMsg
	rec.UpdatedAt = now.UTC()
	if err := s.Update(ctx, from, rec); err != nil {
		return models.RollbackRecord{}, err
	}
	return rec, nil
}
