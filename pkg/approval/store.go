package approval

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"ransomeye/pkg/models"
)

var (
	ErrNotFound = errors.New("approval not found")
	ErrConflict = errors.New("approval already decided or changed")
)

// Store persists approvals. Update is a compare-and-swap: it succeeds only
// while the stored row is still PENDING at expectedVersion.
type Store interface {
	Create(ctx context.Context, a models.ApprovalRequest) (models.ApprovalRequest, error)
	Get(ctx context.Context, id string) (models.ApprovalRequest, error)
	LatestForRef(ctx context.Context, commandRef string) (models.ApprovalRequest, error)
	Update(ctx context.Context, expectedVersion int64, a models.ApprovalRequest) (models.ApprovalRequest, error)
	ListPending(ctx context.Context, limit int) ([]models.ApprovalRequest, error)
	DuePending(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error)
}

type MemoryStore struct {
	mu   sync.Mutex
	byID map[string]models.ApprovalRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: map[string]models.ApprovalRequest{}}
}

func (m *MemoryStore) Create(_ context.Context, a models.ApprovalRequest) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ApprovalID]; ok {
		return models.ApprovalRequest{}, ErrConflict
	}
	for _, existing := range m.byID {
		if existing.CommandRef == a.CommandRef && existing.Decision == models.DecisionPending {
			return existing, ErrConflict
		}
	}
	a.Version = 1
	m.byID[a.ApprovalID] = a
	return a, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return a, nil
}

func (m *MemoryStore) LatestForRef(_ context.Context, ref string) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  models.ApprovalRequest
		found bool
	)
	for _, a := range m.byID {
		if a.CommandRef != ref {
			continue
		}
		if !found || a.RequestedAt.After(best.RequestedAt) {
			best, found = a, true
		}
	}
	if !found {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryStore) Update(_ context.Context, expectedVersion int64, a models.ApprovalRequest) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[a.ApprovalID]
	if !ok {
		return models.ApprovalRequest{}, ErrNotFound
	}
	if cur.Decision != models.DecisionPending || cur.Version != expectedVersion {
		return models.ApprovalRequest{}, ErrConflict
	}
	a.Version = expectedVersion + 1
	m.byID[a.ApprovalID] = a
	return a, nil
}

func (m *MemoryStore) filter(keep func(models.ApprovalRequest) bool, limit int) []models.ApprovalRequest {
	m.mu.Lock()
	out := []models.ApprovalRequest{}
	for _, a := range m.byID {
		if keep(a) {
			out = append(out, a)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) ListPending(_ context.Context, limit int) ([]models.ApprovalRequest, error) {
	return m.filter(func(a models.ApprovalRequest) bool { return a.Decision == models.DecisionPending }, limit), nil
}

func (m *MemoryStore) DuePending(_ context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error) {
	return m.filter(func(a models.ApprovalRequest) bool {
		return a.Decision == models.DecisionPending && a.Expired(now)
	}, limit), nil
}
