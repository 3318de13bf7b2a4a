// Package pipeline walks a command request through the authority, mode,
// classification, approval, signing, rollback pre-record, dispatch and
// result stages. Every stage that runs writes exactly one audit entry; a
// denial at one stage stops the walk there.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ransomeye/pkg/actions"
	"ransomeye/pkg/approval"
	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/dispatch"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/models"
	"ransomeye/pkg/ratelimit"
	"ransomeye/pkg/rbac"
	"ransomeye/pkg/rollback"

	"github.com/google/uuid"
)

const (
	StageAuthority         = "AUTHORITY"
	StageMode              = "MODE"
	StageClassification    = "CLASSIFICATION"
	StageApproval          = approval.StageGate
	StageSign              = "SIGN"
	StageRollbackPrerecord = "ROLLBACK_PRERECORD"
	StageDispatch          = "DISPATCH"
	StageResult            = "RESULT"
)

const (
	DefaultCommandTTL = 5 * time.Minute
	MaxCommandTTL     = 15 * time.Minute
)

// ModeReader returns a snapshot of the active enforcement mode.
type ModeReader interface {
	Active(ctx context.Context) (models.EnforcementMode, error)
}

// ApprovalGate returns nil only for an unexpired ALLOW covering seed.CommandRef.
type ApprovalGate interface {
	Check(ctx context.Context, seed approval.Seed) (models.ApprovalRequest, error)
}

type Config struct {
	Modes      ModeReader
	Approvals  ApprovalGate
	Signer     auth.Signer
	Dispatcher dispatch.Dispatcher
	Rollbacks  rollback.Store
	Commands   CommandStore
	Audit      audit.Sink
	// Limiter is optional; nil disables intake limits.
	Limiter       ratelimit.Limiter
	PrincipalRule ratelimit.Rule
	IncidentRule  ratelimit.Rule
	TargetRule    ratelimit.Rule
	Metrics       *metrics.Registry
	Logf          func(format string, args ...any)
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
}

type Orchestrator struct {
	cfg   Config
	locks *keyedLocks
	now   func() time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Modes == nil:
		return nil, errors.New("pipeline: mode reader required")
	case cfg.Approvals == nil:
		return nil, errors.New("pipeline: approval gate required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher required")
	case cfg.Rollbacks == nil:
		return nil, errors.New("pipeline: rollback store required")
	case cfg.Commands == nil:
		return nil, errors.New("pipeline: command store required")
	case cfg.Audit == nil:
		return nil, errors.New("pipeline: audit sink required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultCommandTTL
	}
	if cfg.MaxTTL <= 0 || cfg.MaxTTL > MaxCommandTTL {
		cfg.MaxTTL = MaxCommandTTL
	}
	if cfg.DefaultTTL > cfg.MaxTTL {
		cfg.DefaultTTL = cfg.MaxTTL
	}
	if cfg.PrincipalRule.Name == "" {
		cfg.PrincipalRule = ratelimit.PerPrincipal
	}
	if cfg.IncidentRule.Name == "" {
		cfg.IncidentRule = ratelimit.PerIncident
	}
	if cfg.TargetRule.Name == "" {
		cfg.TargetRule = ratelimit.PerTarget
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Orchestrator{cfg: cfg, locks: newKeyedLocks(), now: time.Now}, nil
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now().UTC()
	}
	return time.Now().UTC()
}

// Request is one execution attempt for a policy decision.
type Request struct {
	Principal auth.Principal
	Decision  models.PolicyDecision
	// ExpiresAt bounds the whole attempt. Zero means issued_at + DefaultTTL.
	ExpiresAt time.Time
}

// RollbackRequest asks to undo a previously dispatched command.
type RollbackRequest struct {
	CommandID string
	Principal auth.Principal
	Reason    string
	ExpiresAt time.Time
}

// Result describes how far a request got. It is populated on denials too.
type Result struct {
	Command        models.Command           `json:"command"`
	Status         models.CommandStatus     `json:"status,omitempty"`
	Classification actions.Class            `json:"classification,omitempty"`
	Mode           models.Mode              `json:"mode,omitempty"`
	ApprovalID     string                   `json:"approval_id,omitempty"`
	Receipt        *models.ExecutionReceipt `json:"receipt,omitempty"`
	Rollback       *models.RollbackRecord   `json:"rollback,omitempty"`
}

// run carries one walk of the pipeline.
type run struct {
	kind      models.CommandKind
	principal auth.Principal
	rawAction string
	def       actions.Definition
	classErr  error
	target    string
	incident  string
	reason    string
	key       string
	lockKey   string
	expiresAt time.Time
	// prior is a lookup failure surfaced inside the authority stage.
	prior    error
	original *models.CommandRecord
	rbRecord *models.RollbackRecord
	cmd      models.Command
	res      Result
}

func (r *run) actionID() string {
	if r.def.ID != "" {
		return string(r.def.ID)
	}
	return strings.ToUpper(strings.TrimSpace(r.rawAction))
}

// Execute runs a PolicyDecision through every stage. A nil error means the
// agent returned a SUCCEEDED receipt, or the mode is DRY_RUN and the
// result is a simulation.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	d := req.Decision
	r := &run{
		kind:      models.KindExecute,
		principal: req.Principal,
		rawAction: d.RecommendedAction,
		target:    strings.TrimSpace(d.TargetID),
		incident:  strings.TrimSpace(d.IncidentID),
		expiresAt: req.ExpiresAt,
	}
	r.def, r.classErr = actions.Classify(r.rawAction)
	r.lockKey = models.IdempotencyKey(r.kind, r.actionID(), r.target, r.incident, d.IdempotencyToken)

	release := o.locks.Lock(r.lockKey)
	defer release()
	r.key = o.liveKey(ctx, r, d.IdempotencyToken)
	r.prior = o.resolveByKey(ctx, r)
	return o.walk(ctx, r, release)
}

// liveKey walks past FAILED attempts of an intent. Each failed command
// chains the next attempt's key to its id, so a resubmission after a
// failure or host rejection is a new, freshly signed command.
func (o *Orchestrator) liveKey(ctx context.Context, r *run, token string) string {
	key := r.lockKey
	for {
		existing, err := o.cfg.Commands.GetByIdempotencyKey(ctx, key)
		if err != nil || existing.Status != models.CommandFailed {
			return key
		}
		key = models.IdempotencyKey(r.kind, r.actionID(), r.target, r.incident, strings.TrimSpace(token)+"/"+existing.Command.CommandID)
	}
}

// resolveByKey maps the idempotency key to a command id: an unsigned
// earlier attempt keeps its id, a signed one is a replay.
func (o *Orchestrator) resolveByKey(ctx context.Context, r *run) error {
	existing, err := o.cfg.Commands.GetByIdempotencyKey(ctx, r.key)
	switch {
	case errors.Is(err, ErrCommandNotFound):
		r.cmd.CommandID = uuid.NewString()
		return nil
	case err != nil:
		r.cmd.CommandID = uuid.NewString()
		return denial.New(StageAuthority, denial.ReplayDetected, "idempotency store unavailable: %v", err)
	}
	r.cmd.CommandID = existing.Command.CommandID
	if !existing.Status.Unsigned() {
		return denial.New(StageAuthority, denial.ReplayDetected, "intent already issued as %s (%s)", existing.Command.CommandID, existing.Status)
	}
	return nil
}

func (o *Orchestrator) walk(ctx context.Context, r *run, release func()) (Result, error) {
	issuedAt := models.Timestamp(o.clock())
	r.cmd.Kind = r.kind
	r.cmd.ActionID = r.actionID()
	r.cmd.TargetID = r.target
	r.cmd.IncidentID = r.incident
	r.cmd.IssuedByUserID = r.principal.Subject
	r.cmd.IssuedAt = issuedAt
	r.cmd.ExpiresAt = issuedAt.Add(o.cfg.DefaultTTL)
	if r.original != nil {
		r.cmd.RollbackOf = r.original.Command.CommandID
	}
	r.res.Classification = r.def.Class
	r.res.Command = r.cmd

	if err := o.stage(ctx, r, StageAuthority, o.authorize(r)); err != nil {
		return r.res, err
	}

	if err := o.stage(ctx, r, StageMode, o.gateMode(r)); err != nil {
		o.settle(ctx, r, models.CommandDenied, err)
		return r.res, err
	}
	if r.classErr == nil && r.cmd.ModeAtIssuance == models.ModeDryRun {
		o.settle(ctx, r, models.CommandSimulated, nil)
		o.cfg.Logf("pipeline simulated command=%s action=%s target=%s principal=%s", r.cmd.CommandID, r.cmd.ActionID, r.cmd.TargetID, r.principal.Subject)
		return r.res, nil
	}

	if err := o.stage(ctx, r, StageClassification, func(context.Context) (string, error) {
		if r.classErr != nil {
			return "", r.classErr
		}
		return fmt.Sprintf("action=%s class=%s", r.def.ID, r.def.Class), nil
	}); err != nil {
		return r.res, err
	}

	if r.def.Class.IsDestructive() && r.cmd.ModeAtIssuance == models.ModeFullEnforce {
		if err := o.stage(ctx, r, StageApproval, o.gateApproval(r)); err != nil {
			o.afterApprovalDenied(ctx, r, err)
			return r.res, err
		}
	}

	if err := o.stage(ctx, r, StageSign, o.sign(r)); err != nil {
		o.settle(ctx, r, models.CommandDenied, err)
		return r.res, err
	}

	if err := o.stage(ctx, r, StageRollbackPrerecord, o.prerecord(r)); err != nil {
		o.settle(ctx, r, models.CommandFailed, err)
		return r.res, err
	}

	// Nothing below may hold the per-command lock across agent I/O.
	release()

	var receipt models.ExecutionReceipt
	if err := o.stage(ctx, r, StageDispatch, o.dispatch(r, &receipt)); err != nil {
		o.settle(ctx, r, models.CommandFailed, err)
		o.closeRollback(ctx, r, models.RollbackFailed, err)
		return r.res, err
	}
	r.res.Receipt = &receipt
	err := o.stage(ctx, r, StageResult, o.recordResult(r, receipt))
	return r.res, err
}

func (o *Orchestrator) requiredPermission(r *run) rbac.Permission {
	return rbac.RequiredFor(r.kind, r.def.Class)
}

func (o *Orchestrator) authorize(r *run) stageFunc {
	return func(ctx context.Context) (string, error) {
		if strings.TrimSpace(r.principal.Subject) == "" {
			return "", denial.New(StageAuthority, denial.PermissionDenied, "principal required")
		}
		perm := o.requiredPermission(r)
		if err := rbac.Authorize(StageAuthority, r.principal, perm); err != nil {
			return "", err
		}
		role, _ := rbac.RoleFor(r.principal, perm)
		r.cmd.IssuedByRole = role
		if r.prior != nil {
			return "", r.prior
		}
		if r.target == "" || r.incident == "" {
			return "", denial.New(StageAuthority, denial.SchemaInvalid, "target_id and incident_id required")
		}
		if err := o.applyExpiry(r); err != nil {
			return "", err
		}
		if err := o.rateLimit(ctx, r); err != nil {
			return "", err
		}
		r.res.Command = r.cmd
		return fmt.Sprintf("principal=%s role=%s permission=%s", r.principal.Subject, role, perm), nil
	}
}

func (o *Orchestrator) applyExpiry(r *run) error {
	if r.expiresAt.IsZero() {
		return nil
	}
	exp := models.Timestamp(r.expiresAt)
	if !exp.After(r.cmd.IssuedAt) {
		return denial.New(StageAuthority, denial.Expired, "expires_at %s is not after issued_at", exp.Format(time.RFC3339))
	}
	if exp.Sub(r.cmd.IssuedAt) > o.cfg.MaxTTL {
		return denial.New(StageAuthority, denial.SchemaInvalid, "command lifetime %s exceeds %s", exp.Sub(r.cmd.IssuedAt), o.cfg.MaxTTL)
	}
	r.cmd.ExpiresAt = exp
	return nil
}

func (o *Orchestrator) rateLimit(ctx context.Context, r *run) error {
	if o.cfg.Limiter == nil {
		return nil
	}
	d, err := ratelimit.AllowAll(ctx, o.cfg.Limiter,
		ratelimit.Check{Key: r.principal.Subject, Rule: o.cfg.PrincipalRule},
		ratelimit.Check{Key: r.incident, Rule: o.cfg.IncidentRule},
		ratelimit.Check{Key: r.target, Rule: o.cfg.TargetRule},
	)
	if err != nil {
		return denial.New(StageAuthority, denial.RateLimited, "rate limiter unavailable: %v", err)
	}
	if !d.Allowed {
		return denial.New(StageAuthority, denial.RateLimited, "%s limit of %d reached until %s", d.Rule, d.Limit, d.ResetAt.Format(time.RFC3339))
	}
	return nil
}

func (o *Orchestrator) gateMode(r *run) stageFunc {
	return func(ctx context.Context) (string, error) {
		m, err := o.cfg.Modes.Active(ctx)
		if err != nil {
			return "", denial.Wrap(StageMode, denial.ModeBlocked, fmt.Errorf("mode unavailable: %w", err))
		}
		r.cmd.ModeAtIssuance = m.Value
		r.res.Mode = m.Value
		r.res.Command = r.cmd
		status := fmt.Sprintf("mode=%s version=%d", m.Value, m.Version)
		if r.classErr != nil {
			return status, nil
		}
		switch m.Value {
		case models.ModeDryRun:
			return fmt.Sprintf("SIMULATED: %s action=%s class=%s target=%s", status, r.def.ID, r.def.Class, r.target), nil
		case models.ModeGuardedExec:
			if r.def.Class.IsDestructive() {
				return "", denial.New(StageMode, denial.ModeBlocked, "%s refuses DESTRUCTIVE action %s", m.Value, r.def.ID)
			}
		case models.ModeFullEnforce:
		default:
			return "", denial.New(StageMode, denial.ModeBlocked, "unknown mode %q", m.Value)
		}
		return status, nil
	}
}

func (o *Orchestrator) gateApproval(r *run) stageFunc {
	return func(ctx context.Context) (string, error) {
		granted, err := o.cfg.Approvals.Check(ctx, approval.Seed{
			CommandRef:  r.cmd.CommandID,
			ActionID:    r.cmd.ActionID,
			TargetID:    r.cmd.TargetID,
			IncidentID:  r.cmd.IncidentID,
			RequestedBy: r.principal.Subject,
		})
		var derr *denial.Error
		if errors.As(err, &derr) && derr.ApprovalID != "" {
			r.res.ApprovalID = derr.ApprovalID
		}
		if err != nil {
			if derr == nil {
				return "", denial.Wrap(StageApproval, denial.ApprovalRequired, fmt.Errorf("approval authority unavailable: %w", err))
			}
			return "", err
		}
		r.cmd.ApprovalID = granted.ApprovalID
		r.res.ApprovalID = granted.ApprovalID
		r.res.Command = r.cmd
		return fmt.Sprintf("approval %s ALLOW by %s until %s", granted.ApprovalID, granted.ApproverUserID, granted.ExpiresAt.Format(time.RFC3339)), nil
	}
}

func (o *Orchestrator) afterApprovalDenied(ctx context.Context, r *run, err error) {
	switch denial.CodeOf(err) {
	case denial.ApprovalDenied, denial.ApprovalExpired:
		o.settle(ctx, r, models.CommandDenied, err)
		o.closeRollback(ctx, r, models.RollbackDenied, err)
	default:
		o.settle(ctx, r, models.CommandAwaitingApproval, err)
	}
}

func (o *Orchestrator) sign(r *run) stageFunc {
	return func(ctx context.Context) (string, error) {
		if now := o.clock(); !now.Before(r.cmd.ExpiresAt) {
			return "", denial.New(StageSign, denial.Expired, "command expired at %s before signing", r.cmd.ExpiresAt.Format(time.RFC3339))
		}
		signed, err := auth.SignCommand(ctx, o.cfg.Signer, r.cmd)
		if err != nil {
			return "", denial.Wrap(StageSign, denial.SignatureInvalid, err)
		}
		if err := o.cfg.Commands.Save(ctx, o.record(r, signed, models.CommandSigned, "")); err != nil {
			if errors.Is(err, ErrKeyConflict) {
				return "", denial.New(StageSign, denial.ReplayDetected, "intent claimed by another command")
			}
			return "", denial.Wrap(StageSign, denial.SignatureInvalid, fmt.Errorf("persist signed command: %w", err))
		}
		r.cmd = signed
		r.res.Command = signed
		r.res.Status = models.CommandSigned
		return fmt.Sprintf("signed key=%s expires=%s", signed.SigningKeyID, signed.ExpiresAt.Format(time.RFC3339)), nil
	}
}

func (o *Orchestrator) prerecord(r *run) stageFunc {
	return func(ctx context.Context) (string, error) {
		now := o.clock()
		if r.kind == models.KindRollback {
			rec := *r.rbRecord
			rec.RollbackCommandID = r.cmd.CommandID
			rec.UpdatedAt = now
			if err := o.cfg.Rollbacks.Update(ctx, rec.Status, rec); err != nil {
				return "", denial.Wrap(StageRollbackPrerecord, denial.RollbackFailed, fmt.Errorf("link rollback command: %w", err))
			}
			r.rbRecord = &rec
			r.res.Rollback = &rec
			return fmt.Sprintf("rollback %s attempt %s of %s", rec.RollbackID, r.cmd.CommandID, rec.OriginalCommandID), nil
		}
		rec := models.RollbackRecord{
			RollbackID:             uuid.NewString(),
			OriginalCommandID:      r.cmd.CommandID,
			CreatedBeforeExecution: true,
			Status:                 models.RollbackPending,
			RequiresApproval:       r.def.Class.IsDestructive(),
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := o.cfg.Rollbacks.Prerecord(ctx, rec); err != nil {
			return "", denial.Wrap(StageRollbackPrerecord, denial.RollbackFailed, fmt.Errorf("prerecord: %w", err))
		}
		r.rbRecord = &rec
		r.res.Rollback = &rec
		return fmt.Sprintf("rollback %s recorded requires_approval=%t", rec.RollbackID, rec.RequiresApproval), nil
	}
}

func (o *Orchestrator) failureCode(r *run) denial.Code {
	if r.kind == models.KindRollback {
		return denial.RollbackFailed
	}
	return denial.ExecutionFailed
}

func (o *Orchestrator) dispatch(r *run, out *models.ExecutionReceipt) stageFunc {
	return func(ctx context.Context) (string, error) {
		if now := o.clock(); !now.Before(r.cmd.ExpiresAt) {
			return "", denial.New(StageDispatch, denial.Expired, "command expired at %s before dispatch", r.cmd.ExpiresAt.Format(time.RFC3339))
		}
		dctx, cancel := context.WithDeadline(ctx, r.cmd.ExpiresAt)
		defer cancel()
		receipt, err := o.cfg.Dispatcher.Dispatch(dctx, r.cmd)
		if err != nil {
			return "", denial.Wrap(StageDispatch, o.failureCode(r), err)
		}
		*out = receipt
		if err := o.cfg.Commands.Save(ctx, o.record(r, r.cmd, models.CommandDispatched, "")); err != nil {
			o.cfg.Logf("pipeline command=%s dispatched status not persisted: %v", r.cmd.CommandID, err)
		}
		r.res.Status = models.CommandDispatched
		o.cfg.Metrics.IncReceipt(string(receipt.Status))
		return fmt.Sprintf("receipt status=%s agent_key=%s", receipt.Status, receipt.AgentKeyID), nil
	}
}

func (o *Orchestrator) recordResult(r *run, receipt models.ExecutionReceipt) stageFunc {
	return func(ctx context.Context) (string, error) {
		status := models.CommandSucceeded
		var failure error
		if receipt.Status != models.ReceiptSucceeded {
			status = models.CommandFailed
			failure = denial.New(StageResult, o.failureCode(r), "agent reported %s %s: %s", receipt.Status, receipt.ReasonCode, receipt.Error)
		}
		errMsg := ""
		if failure != nil {
			errMsg = failure.Error()
		}
		if err := o.cfg.Commands.Save(ctx, o.record(r, r.cmd, status, errMsg)); err != nil {
			return "", denial.Wrap(StageResult, o.failureCode(r), fmt.Errorf("persist result: %w", err))
		}
		r.res.Status = status
		if r.kind == models.KindRollback {
			to := models.RollbackExecuted
			if failure != nil {
				to = models.RollbackFailed
			}
			if err := o.transitionRollback(ctx, r, to, errMsg); err != nil {
				return "", denial.Wrap(StageResult, denial.RollbackFailed, err)
			}
		}
		if failure != nil {
			return "", failure
		}
		return fmt.Sprintf("receipt %s at %s", receipt.Status, receipt.ExecutedAt.UTC().Format(time.RFC3339)), nil
	}
}

func (o *Orchestrator) record(r *run, cmd models.Command, status models.CommandStatus, errMsg string) models.CommandRecord {
	return models.CommandRecord{
		Command:        cmd,
		Classification: string(r.def.Class),
		Status:         status,
		IdempotencyKey: r.key,
		Error:          errMsg,
		UpdatedAt:      o.clock(),
	}
}

// settle persists a terminal status after a denial. A failed write is
// logged; the caller still gets the original denial.
func (o *Orchestrator) settle(ctx context.Context, r *run, status models.CommandStatus, cause error) {
	if r.cmd.CommandID == "" || r.classErr != nil {
		return
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := o.cfg.Commands.Save(ctx, o.record(r, r.cmd, status, errMsg)); err != nil {
		o.cfg.Logf("pipeline command=%s status=%s not persisted: %v", r.cmd.CommandID, status, err)
	}
	r.res.Status = status
}

func (o *Orchestrator) closeRollback(ctx context.Context, r *run, to models.RollbackStatus, cause error) {
	if r.kind != models.KindRollback || r.rbRecord == nil {
		return
	}
	if err := o.transitionRollback(ctx, r, to, cause.Error()); err != nil {
		o.cfg.Logf("pipeline rollback=%s transition to %s failed: %v", r.rbRecord.RollbackID, to, err)
	}
}

func (o *Orchestrator) transitionRollback(ctx context.Context, r *run, to models.RollbackStatus, errMsg string) error {
	cmdID := ""
	if to != models.RollbackDenied {
		cmdID = r.cmd.CommandID
	}
	next, err := rollback.Transition(ctx, o.cfg.Rollbacks, *r.rbRecord, to, cmdID, r.reason, errMsg, o.clock())
	if err != nil {
		return err
	}
	r.rbRecord = &next
	r.res.Rollback = &next
	return nil
}

// Command returns the orchestrator's record for id.
func (o *Orchestrator) Command(ctx context.Context, id string) (models.CommandRecord, error) {
	rec, err := o.cfg.Commands.Get(ctx, id)
	if errors.Is(err, ErrCommandNotFound) {
		return rec, denial.New("COMMAND", denial.NotFound, "command %s not found", id)
	}
	return rec, err
}
