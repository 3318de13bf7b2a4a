package rollback

import (
	"context"
	"errors"
	"fmt"

	"ransomeye/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rollbackDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists records in rollback_records, unique per original.
type PostgresStore struct {
	DB rollbackDB
}

func NewPostgresStore(db rollbackDB) *PostgresStore { return &PostgresStore{DB: db} }

const rollbackColumns = `rollback_id, original_command_id, rollback_command_id, created_before_execution, status,
	requires_approval, reason, error, created_at, updated_at`

func (p *PostgresStore) Prerecord(ctx context.Context, rec models.RollbackRecord) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO rollback_records (`+rollbackColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.RollbackID, rec.OriginalCommandID, rec.RollbackCommandID, rec.CreatedBeforeExecution, string(rec.Status),
		rec.RequiresApproval, rec.Reason, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert rollback record: %w", err)
	}
	return nil
}

func (p *PostgresStore) scan(row pgx.Row) (models.RollbackRecord, error) {
	var (
		rec    models.RollbackRecord
		status string
	)
	err := row.Scan(&rec.RollbackID, &rec.OriginalCommandID, &rec.RollbackCommandID, &rec.CreatedBeforeExecution, &status,
		&rec.RequiresApproval, &rec.Reason, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RollbackRecord{}, ErrNotFound
	}
	if err != nil {
		return models.RollbackRecord{}, err
	}
	rec.Status = models.RollbackStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.RollbackRecord, error) {
	return p.scan(p.DB.QueryRow(ctx, `SELECT `+rollbackColumns+` FROM rollback_records WHERE rollback_id = $1`, id))
}

func (p *PostgresStore) GetByOriginal(ctx context.Context, original string) (models.RollbackRecord, error) {
	return p.scan(p.DB.QueryRow(ctx, `SELECT `+rollbackColumns+` FROM rollback_records WHERE original_command_id = $1`, original))
}

func (p *PostgresStore) Update(ctx context.Context, from models.RollbackStatus, rec models.RollbackRecord) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE rollback_records
		SET status = $1, rollback_command_id = $2, reason = $3, error = $4, updated_at = $5
		WHERE rollback_id = $6 AND status = $7
	`, string(rec.Status), rec.RollbackCommandID, rec.Reason, rec.Error, rec.UpdatedAt, rec.RollbackID, string(from))
	if err != nil {
		return fmt.Errorf("update rollback record: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrInvalidTransition
	}
	return nil
}
