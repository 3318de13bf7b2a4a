package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ransomeye/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type approvalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps approvals in approval_requests. A partial unique index
// on command_ref WHERE decision = 'PENDING' keeps one open request per ref.
type PostgresStore struct {
	DB approvalDB
}

func NewPostgresStore(db approvalDB) *PostgresStore { return &PostgresStore{DB: db} }

const approvalColumns = `approval_id, command_ref, action_id, target_id, incident_id, requested_by, requested_at,
	approver_user_id, approver_role, decision, decided_at, reason, signed_decision, decision_key_id, expires_at, version`

func scanApproval(row pgx.Row) (models.ApprovalRequest, error) {
	var (
		a        models.ApprovalRequest
		decision string
	)
	if err := row.Scan(&a.ApprovalID, &a.CommandRef, &a.ActionID, &a.TargetID, &a.IncidentID, &a.RequestedBy, &a.RequestedAt,
		&a.ApproverUserID, &a.ApproverRole, &decision, &a.DecidedAt, &a.Reason, &a.SignedDecision, &a.DecisionKeyID,
		&a.ExpiresAt, &a.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ApprovalRequest{}, ErrNotFound
		}
		return models.ApprovalRequest{}, err
	}
	a.Decision = models.Decision(decision)
	a.RequestedAt = a.RequestedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	if a.DecidedAt != nil {
		t := a.DecidedAt.UTC()
		a.DecidedAt = &t
	}
	return a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (p *PostgresStore) Create(ctx context.Context, a models.ApprovalRequest) (models.ApprovalRequest, error) {
	a.Version = 1
	_, err := p.DB.Exec(ctx, `
		INSERT INTO approval_requests
		(approval_id, command_ref, action_id, target_id, incident_id, requested_by, requested_at,
		 approver_user_id, approver_role, decision, decided_at, reason, signed_decision, decision_key_id, expires_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,'','',$8,NULL,'','','',$9,1)
	`, a.ApprovalID, a.CommandRef, a.ActionID, a.TargetID, a.IncidentID, a.RequestedBy, a.RequestedAt, string(a.Decision), a.ExpiresAt)
	if isUniqueViolation(err) {
		existing, lerr := p.LatestForRef(ctx, a.CommandRef)
		if lerr != nil {
			return models.ApprovalRequest{}, ErrConflict
		}
		return existing, ErrConflict
	}
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("insert approval: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.ApprovalRequest, error) {
	return scanApproval(p.DB.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE approval_id = $1`, id))
}

func (p *PostgresStore) LatestForRef(ctx context.Context, ref string) (models.ApprovalRequest, error) {
	return scanApproval(p.DB.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE command_ref = $1 ORDER BY requested_at DESC LIMIT 1
	`, ref))
}

func (p *PostgresStore) Update(ctx context.Context, expectedVersion int64, a models.ApprovalRequest) (models.ApprovalRequest, error) {
	tag, err := p.DB.Exec(ctx, `
		UPDATE approval_requests
		SET decision = $1, approver_user_id = $2, approver_role = $3, decided_at = $4, reason = $5,
		    signed_decision = $6, decision_key_id = $7, version = version + 1
		WHERE approval_id = $8 AND decision = 'PENDING' AND version = $9
	`, string(a.Decision), a.ApproverUserID, a.ApproverRole, a.DecidedAt, a.Reason, a.SignedDecision, a.DecisionKeyID,
		a.ApprovalID, expectedVersion)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("update approval: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return models.ApprovalRequest{}, ErrConflict
	}
	a.Version = expectedVersion + 1
	return a, nil
}

func (p *PostgresStore) list(ctx context.Context, sql string, args ...any) ([]models.ApprovalRequest, error) {
	rows, err := p.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.ApprovalRequest{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 500
	}
	return limit
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]models.ApprovalRequest, error) {
	return p.list(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE decision = 'PENDING' ORDER BY requested_at ASC LIMIT $1`, clampLimit(limit))
}

func (p *PostgresStore) DuePending(ctx context.Context, now time.Time, limit int) ([]models.ApprovalRequest, error) {
	return p.list(ctx, `SELECT `+approvalColumns+` FROM approval_requests
		WHERE decision = 'PENDING' AND expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`, now, clampLimit(limit))
}
