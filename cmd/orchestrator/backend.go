package main

import (
	"context"
	"fmt"
	"strings"

	"ransomeye/pkg/approval"
	"ransomeye/pkg/audit"
	"ransomeye/pkg/mode"
	"ransomeye/pkg/pipeline"
	"ransomeye/pkg/rollback"
	"ransomeye/pkg/store"
)

type auditStore interface {
	audit.Sink
	audit.Lister
}

// backend is the orchestrator's persistent state. Close releases the pool.
type backend struct {
	Modes     mode.Store
	Approvals approval.Store
	Rollbacks rollback.Store
	Commands  pipeline.CommandStore
	Audit     auditStore
	Close     func()
}

type openBackendFunc func(ctx context.Context) (*backend, error)

// openBackend picks the store from STORE_BACKEND. postgres is the default;
// memory exists for local runs and is refused in production.
func openBackend(ctx context.Context) (*backend, error) {
	switch strings.ToLower(strings.TrimSpace(env("STORE_BACKEND", "postgres"))) {
	case "memory":
		return memoryBackend(), nil
	case "", "postgres":
		pool, err := store.NewPostgresPool(ctx)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		return &backend{
			Modes:     mode.NewPostgresStore(pool),
			Approvals: approval.NewPostgresStore(pool),
			Rollbacks: rollback.NewPostgresStore(pool),
			Commands:  pipeline.NewPostgresCommandStore(pool),
			Audit:     audit.NewPostgresSink(pool),
			Close:     pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q", env("STORE_BACKEND", ""))
	}
}

func memoryBackend() *backend {
	return &backend{
		Modes:     mode.NewMemoryStore(),
		Approvals: approval.NewMemoryStore(),
		Rollbacks: rollback.NewMemoryStore(),
		Commands:  pipeline.NewMemoryCommandStore(),
		Audit:     audit.NewMemorySink(),
		Close:     func() {},
	}
}
