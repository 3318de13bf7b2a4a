// Package verifier is the host-side command gate. It trusts nothing the
// dispatcher says: every signed command is re-checked for schema,
// freshness, signature, issuer, role, approval and replay before it runs
// exactly once, and every outcome produces a signed receipt and a local
// audit entry.
package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ransomeye/pkg/actions"
	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/models"
	"ransomeye/pkg/rbac"
	"ransomeye/pkg/store"
	"ransomeye/pkg/telemetry"
)

const (
	StepSchema    = "SCHEMA"
	StepFreshness = "FRESHNESS"
	StepSignature = "SIGNATURE"
	StepIssuer    = "ISSUER"
	StepRBAC      = "RBAC"
	StepApproval  = "APPROVAL"
	StepReplay    = "REPLAY"
	StepExecute   = "EXECUTE"
	StepReceipt   = "RECEIPT"
)

const (
	DefaultSkew     = 60 * time.Second
	MaxLifetime     = 15 * time.Minute
	DefaultIssuer   = "orchestrator"
	replayKeyPrefix = "replay:"
)

type Config struct {
	// Keys resolves signing_key_id for commands. Nil means no key material.
	Keys auth.Verifier
	// Issuer is the KeyRecord.Signer every command key must belong to.
	Issuer string
	// IssuerKeyIDs optionally pins the exact key ids accepted.
	IssuerKeyIDs []string
	Approvals    ApprovalSource
	// ApprovalKeys verifies the authority's signature on decisions.
	ApprovalKeys auth.Verifier
	Replay       store.Cache
	Ledger       Ledger
	Executor     Executor
	// Signer is the agent key receipts are signed with.
	Signer  auth.Signer
	Audit   audit.Sink
	AgentID string
	Skew    time.Duration
	Metrics *metrics.Registry
	Logf    func(format string, args ...any)
}

type Gate struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) (*Gate, error) {
	switch {
	case cfg.Replay == nil:
		return nil, errors.New("verifier: replay cache required")
	case cfg.Ledger == nil:
		return nil, errors.New("verifier: execution ledger required")
	case cfg.Executor == nil:
		return nil, errors.New("verifier: executor required")
	case cfg.Signer == nil:
		return nil, errors.New("verifier: receipt signer required")
	case cfg.Audit == nil:
		return nil, errors.New("verifier: audit sink required")
	}
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "agent"
	}
	if cfg.Logf == nil {
		cfg.Logf = log.Printf
	}
	return &Gate{cfg: cfg, now: time.Now}, nil
}

func (g *Gate) clock() time.Time {
	if g.now != nil {
		return g.now().UTC()
	}
	return time.Now().UTC()
}

// check carries one command through the steps.
type check struct {
	raw      []byte
	cmd      models.Command
	def      actions.Definition
	signer   *auth.KeyRecord
	approval *models.ApprovalRequest
	detail   string
}

func (c *check) commandID() string {
	if c.cmd.CommandID != "" {
		return c.cmd.CommandID
	}
	return peekCommandID(c.raw)
}

type stepFunc func(ctx context.Context, c *check) (string, error)

// Handle runs raw through every step and returns the signed receipt. The
// error is the denial when the command was rejected or failed to execute;
// it is nil only for SUCCEEDED. A receipt with an empty signature is never
// returned: if the receipt cannot be signed or the audit cannot be written
// the zero receipt and that error come back instead.
func (g *Gate) Handle(ctx context.Context, raw []byte) (models.ExecutionReceipt, error) {
	c := &check{raw: raw}
	steps := []struct {
		name string
		fn   stepFunc
	}{
		{StepSchema, g.schema},
		{StepFreshness, g.freshness},
		{StepSignature, g.signature},
		{StepIssuer, g.issuer},
		{StepRBAC, g.rbac},
		{StepApproval, g.approvalStep},
		{StepReplay, g.replay},
		{StepExecute, g.execute},
	}
	var failure *denial.Error
	for _, s := range steps {
		derr, err := g.step(ctx, c, s.name, s.fn)
		if err != nil {
			return models.ExecutionReceipt{}, err
		}
		if derr != nil {
			failure = derr
			break
		}
	}
	return g.receipt(ctx, c, failure)
}

func (g *Gate) step(ctx context.Context, c *check, name string, fn stepFunc) (*denial.Error, error) {
	start := g.clock()
	sctx, span := telemetry.StartStage(ctx, name, c.commandID())
	reason, err := fn(sctx, c)

	outcome := models.OutcomeAllow
	var (
		derr *denial.Error
		code denial.Code
	)
	if err != nil {
		if !errors.As(err, &derr) {
			derr = denial.Wrap(name, denial.ExecutionFailed, err)
		}
		outcome, code = models.OutcomeDeny, derr.Code
		reason = strings.TrimPrefix(derr.Error(), derr.Stage+": ")
	}
	if aerr := g.audit(ctx, c, name, outcome, reason); aerr != nil {
		telemetry.EndStage(span, "AUDIT_FAILED", aerr)
		return nil, fmt.Errorf("%s audit: %w", name, aerr)
	}
	g.cfg.Metrics.IncStage("host_"+name, string(outcome), string(code))
	g.cfg.Metrics.ObserveStage("host_"+name, g.clock().Sub(start))
	telemetry.EndStage(span, string(outcome), err)
	if derr != nil {
		g.cfg.Logf("verifier reject step=%s code=%s command=%s agent=%s", name, derr.Code, c.commandID(), g.cfg.AgentID)
	}
	return derr, nil
}

func (g *Gate) audit(ctx context.Context, c *check, stage string, outcome models.Outcome, reason string) error {
	_, err := g.cfg.Audit.Append(ctx, models.AuditEntry{
		Stage:      stage,
		Principal:  c.cmd.IssuedByUserID,
		ActionID:   c.cmd.ActionID,
		TargetID:   c.cmd.TargetID,
		IncidentID: c.cmd.IncidentID,
		CommandID:  c.commandID(),
		Outcome:    outcome,
		Reason:     reason,
	})
	return err
}

func (g *Gate) schema(_ context.Context, c *check) (string, error) {
	if err := validateSchema(c.raw); err != nil {
		return "", denial.Wrap(StepSchema, denial.SchemaInvalid, err)
	}
	if err := json.Unmarshal(c.raw, &c.cmd); err != nil {
		return "", denial.Wrap(StepSchema, denial.SchemaInvalid, err)
	}
	life := c.cmd.ExpiresAt.Sub(c.cmd.IssuedAt)
	if life <= 0 {
		return "", denial.New(StepSchema, denial.SchemaInvalid, "expires_at must be after issued_at")
	}
	if life > MaxLifetime {
		return "", denial.New(StepSchema, denial.SchemaInvalid, "command lifetime %s exceeds %s", life, MaxLifetime)
	}
	def, err := actions.Classify(c.cmd.ActionID)
	if err != nil {
		return "", denial.New(StepSchema, denial.UnknownAction, "%s", denial.ReasonOf(err))
	}
	c.def = def
	return fmt.Sprintf("kind=%s action=%s class=%s", c.cmd.Kind, def.ID, def.Class), nil
}

func (g *Gate) freshness(_ context.Context, c *check) (string, error) {
	now := g.clock()
	if c.cmd.IssuedAt.After(now.Add(g.cfg.Skew)) {
		return "", denial.New(StepFreshness, denial.Stale, "issued_at %s is in the future", c.cmd.IssuedAt.Format(time.RFC3339))
	}
	if !now.Before(c.cmd.ExpiresAt) {
		return "", denial.New(StepFreshness, denial.Expired, "expired at %s", c.cmd.ExpiresAt.Format(time.RFC3339))
	}
	if c.cmd.IssuedAt.Before(now.Add(-g.cfg.Skew)) {
		return "", denial.New(StepFreshness, denial.Stale, "issued_at %s is older than %s", c.cmd.IssuedAt.Format(time.RFC3339), g.cfg.Skew)
	}
	return fmt.Sprintf("valid until %s", c.cmd.ExpiresAt.Format(time.RFC3339)), nil
}

func (g *Gate) signature(ctx context.Context, c *check) (string, error) {
	if g.cfg.Keys == nil {
		return "", denial.New(StepSignature, denial.SignatureInvalid, "no key material")
	}
	rec, err := auth.VerifyCommand(ctx, g.cfg.Keys, c.cmd)
	if errors.Is(err, auth.ErrNoKeyMaterial) {
		return "", denial.New(StepSignature, denial.SignatureInvalid, "no key material")
	}
	if err != nil {
		return "", denial.Wrap(StepSignature, denial.SignatureInvalid, err)
	}
	c.signer = rec
	return "signature valid key=" + rec.Kid, nil
}

func (g *Gate) issuer(_ context.Context, c *check) (string, error) {
	if !strings.EqualFold(c.signer.Signer, g.cfg.Issuer) {
		return "", denial.New(StepIssuer, denial.IssuerMismatch, "key %s belongs to %q, want %q", c.signer.Kid, c.signer.Signer, g.cfg.Issuer)
	}
	if len(g.cfg.IssuerKeyIDs) > 0 {
		pinned := false
		for _, kid := range g.cfg.IssuerKeyIDs {
			if kid == c.signer.Kid {
				pinned = true
				break
			}
		}
		if !pinned {
			return "", denial.New(StepIssuer, denial.IssuerMismatch, "key %s is not pinned for %s", c.signer.Kid, g.cfg.Issuer)
		}
	}
	return "issuer " + g.cfg.Issuer, nil
}

func (g *Gate) rbac(_ context.Context, c *check) (string, error) {
	if strings.TrimSpace(c.cmd.IssuedByUserID) == "" {
		return "", denial.New(StepRBAC, denial.PermissionDenied, "issued_by_user_id required")
	}
	if err := rbac.CanIssue(c.cmd.IssuedByRole, c.cmd.Kind, c.cmd.ActionID); err != nil {
		code := denial.CodeOf(err)
		if code == "" {
			code = denial.PermissionDenied
		}
		return "", denial.New(StepRBAC, code, "%s", denial.ReasonOf(err))
	}
	return fmt.Sprintf("role %s may issue %s %s", c.cmd.IssuedByRole, c.cmd.Kind, c.cmd.ActionID), nil
}

func (g *Gate) approvalStep(ctx context.Context, c *check) (string, error) {
	switch c.cmd.ModeAtIssuance {
	case models.ModeDryRun:
		return "", denial.New(StepApproval, denial.ModeBlocked, "DRY_RUN commands are never executed")
	case models.ModeGuardedExec:
		if c.def.Class.IsDestructive() {
			return "", denial.New(StepApproval, denial.ModeBlocked, "GUARDED_EXEC refuses DESTRUCTIVE %s", c.def.ID)
		}
	}
	if !c.def.Class.IsDestructive() {
		return "not required for SAFE action", nil
	}
	id := strings.TrimSpace(c.cmd.ApprovalID)
	if id == "" {
		return "", denial.New(StepApproval, denial.ApprovalRequired, "DESTRUCTIVE command carries no approval_id")
	}
	if g.cfg.Approvals == nil {
		return "", denial.New(StepApproval, denial.ApprovalRequired, "authority unreachable")
	}
	a, err := g.cfg.Approvals.Lookup(ctx, id)
	if errors.Is(err, ErrApprovalUnknown) {
		return "", denial.New(StepApproval, denial.ApprovalRequired, "approval %s unknown", id)
	}
	if err != nil {
		g.cfg.Logf("verifier approval lookup failed id=%s: %v", id, err)
		return "", denial.New(StepApproval, denial.ApprovalRequired, "authority unreachable")
	}
	if err := g.checkApproval(ctx, c.cmd, a); err != nil {
		return "", err
	}
	c.approval = &a
	return fmt.Sprintf("approval %s ALLOW by %s until %s", a.ApprovalID, a.ApproverUserID, a.ExpiresAt.Format(time.RFC3339)), nil
}

func (g *Gate) checkApproval(ctx context.Context, cmd models.Command, a models.ApprovalRequest) error {
	deny := func(code denial.Code, format string, args ...any) error {
		d := denial.New(StepApproval, code, format, args...)
		d.ApprovalID = a.ApprovalID
		return d
	}
	if a.ApprovalID != cmd.ApprovalID || a.CommandRef != cmd.CommandID {
		return deny(denial.ApprovalRequired, "approval %s covers %s, not %s", a.ApprovalID, a.CommandRef, cmd.CommandID)
	}
	if a.ActionID != cmd.ActionID || a.TargetID != cmd.TargetID {
		return deny(denial.ApprovalRequired, "approval %s is for %s on %s", a.ApprovalID, a.ActionID, a.TargetID)
	}
	switch a.Decision {
	case models.DecisionAllow:
	case models.DecisionDeny:
		return deny(denial.ApprovalDenied, "approval %s denied", a.ApprovalID)
	case models.DecisionExpired:
		return deny(denial.ApprovalExpired, "approval %s expired", a.ApprovalID)
	default:
		return deny(denial.ApprovalRequired, "approval %s is %s", a.ApprovalID, a.Decision)
	}
	if g.cfg.ApprovalKeys == nil {
		return deny(denial.ApprovalRequired, "no approval key material")
	}
	if _, err := auth.VerifyApproval(ctx, g.cfg.ApprovalKeys, a); err != nil {
		return deny(denial.ApprovalRequired, "approval signature invalid: %v", err)
	}
	if a.Expired(g.clock()) {
		return deny(denial.ApprovalExpired, "approval %s expired at %s", a.ApprovalID, a.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (g *Gate) replay(ctx context.Context, c *check) (string, error) {
	ttl := c.cmd.ExpiresAt.Sub(g.clock()) + g.cfg.Skew
	ok, err := g.cfg.Replay.SetNX(ctx, replayKeyPrefix+c.cmd.CommandID, c.cmd.Signature, ttl)
	if err != nil {
		return "", denial.New(StepReplay, denial.ReplayDetected, "replay cache unavailable: %v", err)
	}
	if !ok {
		return "", denial.New(StepReplay, denial.ReplayDetected, "command %s already seen", c.cmd.CommandID)
	}
	return fmt.Sprintf("first sighting, held %s", ttl.Round(time.Second)), nil
}

func (g *Gate) failureCode(c *check) denial.Code {
	if c.cmd.Kind == models.KindRollback {
		return denial.RollbackFailed
	}
	return denial.ExecutionFailed
}

func (g *Gate) execute(ctx context.Context, c *check) (string, error) {
	now := g.clock()
	if !now.Before(c.cmd.ExpiresAt) {
		return "", denial.New(StepExecute, denial.Expired, "expired at %s before execution", c.cmd.ExpiresAt.Format(time.RFC3339))
	}
	prior, err := g.cfg.Ledger.Begin(ctx, c.cmd, now)
	if errors.Is(err, ErrAlreadyRecorded) {
		if prior.State == LedgerStarted {
			return "", denial.New(StepExecute, g.failureCode(c), "interrupted run from %s found in ledger; not re-run", prior.StartedAt.Format(time.RFC3339))
		}
		return "", denial.New(StepExecute, denial.ReplayDetected, "ledger already holds %s outcome", prior.State)
	}
	if err != nil {
		return "", denial.Wrap(StepExecute, g.failureCode(c), err)
	}
	detail, runErr := g.cfg.Executor.Execute(ctx, c.cmd)
	state, msg := LedgerSucceeded, ""
	if runErr != nil {
		state, msg = LedgerFailed, runErr.Error()
	}
	if err := g.cfg.Ledger.Finish(ctx, c.cmd.CommandID, state, msg, g.clock()); err != nil {
		g.cfg.Logf("verifier ledger finish command=%s: %v", c.cmd.CommandID, err)
	}
	if runErr != nil {
		return "", denial.Wrap(StepExecute, g.failureCode(c), runErr)
	}
	c.detail = detail
	if detail == "" {
		detail = "ok"
	}
	return fmt.Sprintf("executed %s %s on %s: %s", c.cmd.Kind, c.cmd.ActionID, c.cmd.TargetID, detail), nil
}

func receiptStatus(failure *denial.Error) models.ReceiptStatus {
	switch {
	case failure == nil:
		return models.ReceiptSucceeded
	case failure.Stage == StepExecute && (failure.Code == denial.ExecutionFailed || failure.Code == denial.RollbackFailed):
		return models.ReceiptFailed
	default:
		return models.ReceiptRejected
	}
}

func (g *Gate) receipt(ctx context.Context, c *check, failure *denial.Error) (models.ExecutionReceipt, error) {
	r := models.ExecutionReceipt{
		CommandID:  c.commandID(),
		Status:     receiptStatus(failure),
		ExecutedAt: g.clock(),
	}
	if failure != nil {
		r.ReasonCode = string(failure.Code)
		r.Error = strings.TrimPrefix(failure.Error(), failure.Stage+": ")
	}
	signed, err := auth.SignReceipt(ctx, g.cfg.Signer, r)
	if err != nil {
		_ = g.audit(ctx, c, StepReceipt, models.OutcomeDeny, "receipt signing failed: "+err.Error())
		return models.ExecutionReceipt{}, fmt.Errorf("%s: %w", StepReceipt, err)
	}
	if err := g.audit(ctx, c, StepReceipt, models.OutcomeAllow, fmt.Sprintf("receipt %s %s key=%s", signed.Status, signed.ReasonCode, signed.AgentKeyID)); err != nil {
		return models.ExecutionReceipt{}, fmt.Errorf("%s audit: %w", StepReceipt, err)
	}
	g.cfg.Metrics.IncReceipt(string(signed.Status))
	if failure != nil {
		return signed, failure
	}
	return signed, nil
}
