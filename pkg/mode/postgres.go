package mode

import (
	"context"
	"errors"
	"fmt"

	"ransomeye/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type modeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore keeps every mode row in enforcement_modes. A partial unique
// index on (active) WHERE active enforces at most one active row.
type PostgresStore struct {
	DB modeDB
}

func NewPostgresStore(db modeDB) *PostgresStore { return &PostgresStore{DB: db} }

const modeColumns = `version, value, changed_by, changed_at, active, reason`

func scanMode(row pgx.Row) (models.EnforcementMode, error) {
	var (
		m     models.EnforcementMode
		value string
	)
	if err := row.Scan(&m.Version, &value, &m.ChangedBy, &m.ChangedAt, &m.Active, &m.Reason); err != nil {
		return models.EnforcementMode{}, err
	}
	m.Value = models.Mode(value)
	m.ChangedAt = m.ChangedAt.UTC()
	return m, nil
}

func (p *PostgresStore) Active(ctx context.Context) (models.EnforcementMode, error) {
	m, err := scanMode(p.DB.QueryRow(ctx, `SELECT `+modeColumns+` FROM enforcement_modes WHERE active`))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EnforcementMode{}, ErrNoActiveMode
	}
	return m, err
}

func (p *PostgresStore) Bootstrap(ctx context.Context, initial models.EnforcementMode) (models.EnforcementMode, error) {
	if initial.Version == 0 {
		initial.Version = 1
	}
	if _, err := p.DB.Exec(ctx, `
		INSERT INTO enforcement_modes (version, value, changed_by, changed_at, active, reason)
		SELECT $1, $2, $3, $4, true, $5
		WHERE NOT EXISTS (SELECT 1 FROM enforcement_modes)
		ON CONFLICT DO NOTHING
	`, initial.Version, string(initial.Value), initial.ChangedBy, initial.ChangedAt, initial.Reason); err != nil {
		return models.EnforcementMode{}, fmt.Errorf("bootstrap mode: %w", err)
	}
	return p.Active(ctx)
}

func (p *PostgresStore) Swap(ctx context.Context, expected int64, next models.EnforcementMode) (models.EnforcementMode, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return models.EnforcementMode{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	err = tx.QueryRow(ctx, `SELECT version FROM enforcement_modes WHERE active FOR UPDATE`).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EnforcementMode{}, ErrNoActiveMode
	}
	if err != nil {
		return models.EnforcementMode{}, fmt.Errorf("lock mode: %w", err)
	}
	if current != expected {
		return models.EnforcementMode{}, ErrVersionConflict
	}
	tag, err := tx.Exec(ctx, `UPDATE enforcement_modes SET active = false WHERE version = $1 AND active`, current)
	if err != nil {
		return models.EnforcementMode{}, err
	}
	if tag.RowsAffected() != 1 {
		return models.EnforcementMode{}, ErrVersionConflict
	}
	next.Version = current + 1
	next.Active = true
	if _, err := tx.Exec(ctx, `
		INSERT INTO enforcement_modes (version, value, changed_by, changed_at, active, reason)
		VALUES ($1, $2, $3, $4, true, $5)
	`, next.Version, string(next.Value), next.ChangedBy, next.ChangedAt, next.Reason); err != nil {
		return models.EnforcementMode{}, fmt.Errorf("insert mode: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.EnforcementMode{}, err
	}
	return next, nil
}

func (p *PostgresStore) History(ctx context.Context, limit int) ([]models.EnforcementMode, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := p.DB.Query(ctx, `SELECT `+modeColumns+` FROM enforcement_modes ORDER BY version DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.EnforcementMode{}
	for rows.Next() {
		m, err := scanMode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
