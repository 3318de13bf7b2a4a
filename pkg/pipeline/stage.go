package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
	"ransomeye/pkg/telemetry"
)

// stageFunc returns the audit reason on success or the denial that stops
// the walk.
type stageFunc func(ctx context.Context) (string, error)

// fallbackCodes is the code recorded when a stage fails with a plain error.
var fallbackCodes = map[string]denial.Code{
	StageAuthority:         denial.PermissionDenied,
	StageMode:              denial.ModeBlocked,
	StageClassification:    denial.UnknownAction,
	StageApproval:          denial.ApprovalRequired,
	StageSign:              denial.SignatureInvalid,
	StageRollbackPrerecord: denial.RollbackFailed,
	StageDispatch:          denial.ExecutionFailed,
	StageResult:            denial.ExecutionFailed,
}

func asDenial(stage string, err error) *denial.Error {
	var derr *denial.Error
	if errors.As(err, &derr) {
		return derr
	}
	return denial.Wrap(stage, fallbackCodes[stage], err)
}

// stage runs fn and writes its single audit entry. A failed audit write
// stops the walk even when fn passed.
func (o *Orchestrator) stage(ctx context.Context, r *run, name string, fn stageFunc) error {
	start := o.clock()
	sctx, span := telemetry.StartStage(ctx, name, r.cmd.CommandID)
	reason, err := fn(sctx)

	outcome := models.OutcomeAllow
	var code denial.Code
	var derr *denial.Error
	if err != nil {
		derr = asDenial(name, err)
		outcome = models.OutcomeDeny
		code = derr.Code
		reason = strings.TrimPrefix(derr.Error(), derr.Stage+": ")
		err = derr
	}
	if _, aerr := o.cfg.Audit.Append(ctx, models.AuditEntry{
		Stage:      name,
		Principal:  r.principal.Subject,
		ActionID:   r.actionID(),
		TargetID:   r.target,
		IncidentID: r.incident,
		CommandID:  r.cmd.CommandID,
		Outcome:    outcome,
		Reason:     reason,
	}); aerr != nil {
		telemetry.EndStage(span, "AUDIT_FAILED", aerr)
		o.cfg.Logf("pipeline stage=%s command=%s audit write failed: %v", name, r.cmd.CommandID, aerr)
		return fmt.Errorf("%s audit: %w", name, aerr)
	}
	o.cfg.Metrics.IncStage(name, string(outcome), string(code))
	o.cfg.Metrics.ObserveStage(name, o.clock().Sub(start))
	telemetry.EndStage(span, string(outcome), err)
	if derr != nil {
		o.cfg.Logf("pipeline deny stage=%s code=%s command=%s principal=%s action=%s target=%s",
			name, code, r.cmd.CommandID, r.principal.Subject, r.actionID(), r.target)
		return derr
	}
	return nil
}
