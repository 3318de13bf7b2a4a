package rollback

import (
	"context"
	"errors"
	"strings"

	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
)

// Runner re-enters the enforcement pipeline for a rollback. The pipeline
// owns authority, approval, signing and dispatch for rollbacks exactly as
// for originals.
type Runner interface {
	RunRollback(ctx context.Context, originalCommandID string, p auth.Principal, reason string) (models.RollbackRecord, error)
}

type Manager struct {
	Store  Store
	Runner Runner
}

func NewManager(store Store, runner Runner) *Manager {
	return &Manager{Store: store, Runner: runner}
}

// Request asks for the rollback of commandID on behalf of p.
func (m *Manager) Request(ctx context.Context, commandID string, p auth.Principal, reason string) (models.RollbackRecord, error) {
	commandID = strings.TrimSpace(commandID)
	if commandID == "" {
		return models.RollbackRecord{}, denial.New("AUTHORITY", denial.SchemaInvalid, "command id required")
	}
	if m.Runner == nil {
		return models.RollbackRecord{}, errors.New("rollback runner not configured")
	}
	return m.Runner.RunRollback(ctx, commandID, p, strings.TrimSpace(reason))
}

// ForCommand returns the record created for an original command.
func (m *Manager) ForCommand(ctx context.Context, commandID string) (models.RollbackRecord, error) {
	rec, err := m.Store.GetByOriginal(ctx, commandID)
	if errors.Is(err, ErrNotFound) {
		return rec, denial.New("ROLLBACK", denial.NotFound, "no rollback record for %s", commandID)
	}
	return rec, err
}
