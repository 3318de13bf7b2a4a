package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ransomeye/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type commandDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCommandStore keeps command records in commands. The signed
// payload is stored whole as jsonb; the indexed columns mirror it.
type PostgresCommandStore struct {
	DB commandDB
}

func NewPostgresCommandStore(db commandDB) *PostgresCommandStore {
	return &PostgresCommandStore{DB: db}
}

func (p *PostgresCommandStore) Save(ctx context.Context, rec models.CommandRecord) error {
	payload, err := json.Marshal(rec.Command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	var key any
	if rec.IdempotencyKey != "" {
		key = rec.IdempotencyKey
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO commands
		(command_id, idempotency_key, kind, action_id, target_id, incident_id, classification, status, payload, error, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (command_id) DO UPDATE SET
			classification = EXCLUDED.classification,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`, rec.Command.CommandID, key, string(rec.Command.Kind), rec.Command.ActionID, rec.Command.TargetID,
		rec.Command.IncidentID, rec.Classification, string(rec.Status), payload, rec.Error, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrKeyConflict
	}
	if err != nil {
		return fmt.Errorf("save command: %w", err)
	}
	return nil
}

const commandSelect = `SELECT idempotency_key, classification, status, payload, error, updated_at FROM commands`

func scanCommand(row pgx.Row) (models.CommandRecord, error) {
	var (
		rec     models.CommandRecord
		key     *string
		status  string
		payload []byte
	)
	if err := row.Scan(&key, &rec.Classification, &status, &payload, &rec.Error, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CommandRecord{}, ErrCommandNotFound
		}
		return models.CommandRecord{}, err
	}
	if err := json.Unmarshal(payload, &rec.Command); err != nil {
		return models.CommandRecord{}, fmt.Errorf("decode command payload: %w", err)
	}
	if key != nil {
		rec.IdempotencyKey = *key
	}
	rec.Status = models.CommandStatus(status)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (p *PostgresCommandStore) Get(ctx context.Context, id string) (models.CommandRecord, error) {
	return scanCommand(p.DB.QueryRow(ctx, commandSelect+` WHERE command_id = $1`, id))
}

func (p *PostgresCommandStore) GetByIdempotencyKey(ctx context.Context, key string) (models.CommandRecord, error) {
	return scanCommand(p.DB.QueryRow(ctx, commandSelect+` WHERE idempotency_key = $1`, key))
}
