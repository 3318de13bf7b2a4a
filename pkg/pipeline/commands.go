package pipeline

import (
	"context"
	"errors"
	"sync"

	"ransomeye/pkg/models"
)

var (
	ErrCommandNotFound = errors.New("command not found")
	// ErrKeyConflict means another command already owns the idempotency key.
	ErrKeyConflict = errors.New("idempotency key bound to another command")
)

// CommandStore keeps one row per command id. The idempotency key is unique
// across rows.
type CommandStore interface {
	Save(ctx context.Context, rec models.CommandRecord) error
	Get(ctx context.Context, commandID string) (models.CommandRecord, error)
	GetByIdempotencyKey(ctx context.Context, key string) (models.CommandRecord, error)
}

type MemoryCommandStore struct {
	mu    sync.Mutex
	byID  map[string]models.CommandRecord
	byKey map[string]string
}

func NewMemoryCommandStore() *MemoryCommandStore {
	return &MemoryCommandStore{byID: map[string]models.CommandRecord{}, byKey: map[string]string{}}
}

func (m *MemoryCommandStore) Save(_ context.Context, rec models.CommandRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := rec.Command.CommandID
	if id == "" {
		return errors.New("command id required")
	}
	if rec.IdempotencyKey != "" {
		if owner, ok := m.byKey[rec.IdempotencyKey]; ok && owner != id {
			return ErrKeyConflict
		}
	}
	if prev, ok := m.byID[id]; ok && prev.IdempotencyKey != rec.IdempotencyKey {
		delete(m.byKey, prev.IdempotencyKey)
	}
	m.byID[id] = rec
	if rec.IdempotencyKey != "" {
		m.byKey[rec.IdempotencyKey] = id
	}
	return nil
}

func (m *MemoryCommandStore) Get(_ context.Context, id string) (models.CommandRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byID[id]
	if !ok {
		return models.CommandRecord{}, ErrCommandNotFound
	}
	return rec, nil
}

func (m *MemoryCommandStore) GetByIdempotencyKey(ctx context.Context, key string) (models.CommandRecord, error) {
	m.mu.Lock()
	id, ok := m.byKey[key]
	m.mu.Unlock()
	if !ok {
		return models.CommandRecord{}, ErrCommandNotFound
	}
	return m.Get(ctx, id)
}

// All returns every record, for tests.
func (m *MemoryCommandStore) All() []models.CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.CommandRecord, 0, len(m.byID))
	for _, rec := range m.byID {
		out = append(out, rec)
	}
	return out
}
