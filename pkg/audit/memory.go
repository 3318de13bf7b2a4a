package audit

import (
	"context"
	"sync"
	"time"

	"ransomeye/pkg/models"
)

// MemorySink keeps the chain in process. Used by tests and DRY_RUN demos.
type MemorySink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	now     func() time.Time
}

func NewMemorySink() *MemorySink {
	return &MemorySink{now: time.Now}
}

func (m *MemorySink) Append(_ context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := Head{}
	if n := len(m.entries); n > 0 {
		head = Head{Seq: m.entries[n-1].Seq, Hash: m.entries[n-1].EntryHash}
	}
	sealed, err := Seal(head, e, m.now())
	if err != nil {
		return models.AuditEntry{}, err
	}
	m.entries = append(m.entries, sealed)
	return sealed, nil
}

func (m *MemorySink) List(_ context.Context, afterSeq int64, limit int) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.AuditEntry{}
	for _, e := range m.entries {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Entries returns a copy of the full chain.
func (m *MemorySink) Entries() []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditEntry(nil), m.entries...)
}

// Filter returns entries matching commandID (all entries when empty).
func (m *MemorySink) Filter(commandID string) []models.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.entries {
		if commandID == "" || e.CommandID == commandID {
			out = append(out, e)
		}
	}
	return out
}
