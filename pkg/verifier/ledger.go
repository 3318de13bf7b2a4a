package verifier

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"ransomeye/pkg/models"
)

type LedgerState string

const (
	LedgerStarted   LedgerState = "STARTED"
	LedgerSucceeded LedgerState = "SUCCEEDED"
	LedgerFailed    LedgerState = "FAILED"
)

var (
	// ErrAlreadyRecorded is returned by Begin when the command id is in the
	// ledger in any state, including STARTED after a crash.
	ErrAlreadyRecorded = errors.New("command already in execution ledger")
	ErrLedgerNotFound  = errors.New("command not in execution ledger")
)

type LedgerEntry struct {
	CommandID  string
	ActionID   string
	Kind       models.CommandKind
	State      LedgerState
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Ledger is the host's durable execute-once record. Begin is written before
// the action runs, Finish after.
type Ledger interface {
	Begin(ctx context.Context, cmd models.Command, at time.Time) (LedgerEntry, error)
	Finish(ctx context.Context, commandID string, state LedgerState, errMsg string, at time.Time) error
	Get(ctx context.Context, commandID string) (LedgerEntry, error)
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS execution_ledger (
	command_id  TEXT PRIMARY KEY,
	action_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	state       TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
)`

// SQLiteLedger keeps the ledger in a local SQLite file so it survives
// agent restarts.
type SQLiteLedger struct {
	db *sql.DB
}

func NewSQLiteLedger(ctx context.Context, db *sql.DB) (*SQLiteLedger, error) {
	if db == nil {
		return nil, errors.New("ledger db required")
	}
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

func (l *SQLiteLedger) Begin(ctx context.Context, cmd models.Command, at time.Time) (LedgerEntry, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO execution_ledger (command_id, action_id, kind, state, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (command_id) DO NOTHING
	`, cmd.CommandID, cmd.ActionID, string(cmd.Kind), string(LedgerStarted), at.UTC().UnixNano())
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("ledger begin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return LedgerEntry{}, err
	}
	if n == 0 {
		prior, err := l.Get(ctx, cmd.CommandID)
		if err != nil {
			return LedgerEntry{}, err
		}
		return prior, ErrAlreadyRecorded
	}
	return LedgerEntry{CommandID: cmd.CommandID, ActionID: cmd.ActionID, Kind: cmd.Kind, State: LedgerStarted, StartedAt: at.UTC()}, nil
}

func (l *SQLiteLedger) Finish(ctx context.Context, commandID string, state LedgerState, errMsg string, at time.Time) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE execution_ledger SET state = ?, error = ?, finished_at = ?
		WHERE command_id = ? AND state = ?
	`, string(state), errMsg, at.UTC().UnixNano(), commandID, string(LedgerStarted))
	if err != nil {
		return fmt.Errorf("ledger finish: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLedgerNotFound
	}
	return nil
}

func (l *SQLiteLedger) Get(ctx context.Context, commandID string) (LedgerEntry, error) {
	var (
		e        LedgerEntry
		kind     string
		state    string
		started  int64
		finished sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT command_id, action_id, kind, state, error, started_at, finished_at
		FROM execution_ledger WHERE command_id = ?
	`, commandID).Scan(&e.CommandID, &e.ActionID, &kind, &state, &e.Error, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerEntry{}, ErrLedgerNotFound
	}
	if err != nil {
		return LedgerEntry{}, err
	}
	e.Kind = models.CommandKind(kind)
	e.State = LedgerState(state)
	e.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		e.FinishedAt = &t
	}
	return e, nil
}

// MemoryLedger is a process-local ledger for tests and demos.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]LedgerEntry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: map[string]LedgerEntry{}}
}

func (m *MemoryLedger) Begin(_ context.Context, cmd models.Command, at time.Time) (LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.entries[cmd.CommandID]; ok {
		return prior, ErrAlreadyRecorded
	}
	e := LedgerEntry{CommandID: cmd.CommandID, ActionID: cmd.ActionID, Kind: cmd.Kind, State: LedgerStarted, StartedAt: at.UTC()}
	m.entries[cmd.CommandID] = e
	return e, nil
}

func (m *MemoryLedger) Finish(_ context.Context, commandID string, state LedgerState, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[commandID]
	if !ok || e.State != LedgerStarted {
		return ErrLedgerNotFound
	}
	t := at.UTC()
	e.State, e.Error, e.FinishedAt = state, errMsg, &t
	m.entries[commandID] = e
	return nil
}

func (m *MemoryLedger) Get(_ context.Context, commandID string) (LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[commandID]
	if !ok {
		return LedgerEntry{}, ErrLedgerNotFound
	}
	return e, nil
}
