package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ransomeye/pkg/models"

	"github.com/jackc/pgx/v5"
)

// chainLockKey serialises appends across orchestrator replicas.
const chainLockKey int64 = 0x5245_4155_4454

type auditDB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSink stores the chain in audit_entries. Appends take a
// transaction-scoped advisory lock so the head read and insert are atomic.
type PostgresSink struct {
	DB  auditDB
	now func() time.Time
}

func NewPostgresSink(db auditDB) *PostgresSink {
	return &PostgresSink{DB: db, now: time.Now}
}

func (p *PostgresSink) Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	if p.DB == nil {
		return models.AuditEntry{}, errors.New("audit db required")
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit lock: %w", err)
	}
	head := Head{}
	err = tx.QueryRow(ctx, `SELECT seq, entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&head.Seq, &head.Hash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.AuditEntry{}, fmt.Errorf("audit head: %w", err)
	}
	sealed, err := Seal(head, e, now())
	if err != nil {
		return models.AuditEntry{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_entries
		(seq, entry_id, pipeline_stage, principal, action_id, target_id, incident_id, command_id, outcome, reason, ts, prev_entry_hash, entry_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sealed.Seq, sealed.EntryID, sealed.Stage, sealed.Principal, sealed.ActionID, sealed.TargetID, sealed.IncidentID,
		sealed.CommandID, string(sealed.Outcome), sealed.Reason, sealed.Timestamp, sealed.PrevEntryHash, sealed.EntryHash); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit commit: %w", err)
	}
	return sealed, nil
}

func (p *PostgresSink) List(ctx context.Context, afterSeq int64, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := p.DB.Query(ctx, `
		SELECT seq, entry_id, pipeline_stage, principal, action_id, target_id, incident_id, command_id, outcome, reason, ts, prev_entry_hash, entry_hash
		FROM audit_entries WHERE seq > $1 ORDER BY seq ASC LIMIT $2
	`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.AuditEntry{}
	for rows.Next() {
		var (
			e       models.AuditEntry
			outcome string
		)
		if err := rows.Scan(&e.Seq, &e.EntryID, &e.Stage, &e.Principal, &e.ActionID, &e.TargetID, &e.IncidentID,
			&e.CommandID, &outcome, &e.Reason, &e.Timestamp, &e.PrevEntryHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Outcome = models.Outcome(outcome)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
