package pipeline

import (
	"context"
	"errors"
	"strings"

	"ransomeye/pkg/actions"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
	"ransomeye/pkg/rollback"
)

// Rollback re-enters the pipeline with a ROLLBACK command for req.CommandID.
// The original classification is reused, so undoing a DESTRUCTIVE action
// needs its own approval keyed to the rollback command.
func (o *Orchestrator) Rollback(ctx context.Context, req RollbackRequest) (Result, error) {
	originalID := strings.TrimSpace(req.CommandID)
	r := &run{
		kind:      models.KindRollback,
		principal: req.Principal,
		reason:    strings.TrimSpace(req.Reason),
		expiresAt: req.ExpiresAt,
		lockKey:   "rollback:" + originalID,
	}
	release := o.locks.Lock(r.lockKey)
	defer release()
	r.prior = o.resolveRollback(ctx, r, originalID)
	return o.walk(ctx, r, release)
}

// RunRollback satisfies rollback.Runner.
func (o *Orchestrator) RunRollback(ctx context.Context, originalCommandID string, p auth.Principal, reason string) (models.RollbackRecord, error) {
	res, err := o.Rollback(ctx, RollbackRequest{CommandID: originalCommandID, Principal: p, Reason: reason})
	if res.Rollback == nil {
		return models.RollbackRecord{}, err
	}
	return *res.Rollback, err
}

var _ rollback.Runner = (*Orchestrator)(nil)

// resolveRollback loads the original and its rollback record and picks the
// rollback command id. Each signed attempt that failed chains the next
// attempt's idempotency key to it, so a retry is a fresh command while a
// pending or denied attempt keeps its id (and its approval).
func (o *Orchestrator) resolveRollback(ctx context.Context, r *run, originalID string) error {
	if originalID == "" {
		return denial.New(StageAuthority, denial.SchemaInvalid, "command id required")
	}
	original, err := o.cfg.Commands.Get(ctx, originalID)
	if errors.Is(err, ErrCommandNotFound) {
		return denial.New(StageAuthority, denial.NotFound, "command %s not found", originalID)
	}
	if err != nil {
		return denial.New(StageAuthority, denial.NotFound, "command store unavailable: %v", err)
	}
	r.original = &original
	r.rawAction = original.Command.ActionID
	r.target = original.Command.TargetID
	r.incident = original.Command.IncidentID
	r.def = actions.Definition{ID: actions.ID(original.Command.ActionID), Class: actions.Class(original.Classification)}
	if original.Command.Kind == models.KindRollback {
		return denial.New(StageAuthority, denial.SchemaInvalid, "command %s is itself a rollback", originalID)
	}

	rec, err := o.cfg.Rollbacks.GetByOriginal(ctx, originalID)
	if errors.Is(err, rollback.ErrNotFound) {
		return denial.New(StageAuthority, denial.NotFound, "no rollback record for %s", originalID)
	}
	if err != nil {
		return denial.New(StageAuthority, denial.NotFound, "rollback store unavailable: %v", err)
	}
	r.rbRecord = &rec
	r.res.Rollback = &rec
	if rec.Status == models.RollbackExecuted {
		return denial.New(StageAuthority, denial.ReplayDetected, "command %s already rolled back by %s", originalID, rec.RollbackCommandID)
	}

	chain := ""
	if rec.RollbackCommandID != "" {
		prev, err := o.cfg.Commands.Get(ctx, rec.RollbackCommandID)
		switch {
		case err != nil && !errors.Is(err, ErrCommandNotFound):
			return denial.New(StageAuthority, denial.ReplayDetected, "command store unavailable: %v", err)
		case err == nil && prev.Status != models.CommandFailed:
			return denial.New(StageAuthority, denial.ReplayDetected, "rollback %s of %s is %s", prev.Command.CommandID, originalID, prev.Status)
		}
		chain = rec.RollbackCommandID
	}
	r.key = models.IdempotencyKey(r.kind, original.Command.ActionID, r.target, r.incident, originalID+"/"+chain)
	return o.resolveByKey(ctx, r)
}
