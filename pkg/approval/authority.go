package approval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
	"ransomeye/pkg/rbac"

	"github.com/google/uuid"
)

const (
	StageDecision = "APPROVAL_DECISION"
	StageExpiry   = "APPROVAL_EXPIRY"
	// StageGate is the pipeline stage whose denials this package builds.
	StageGate = "APPROVAL"
)

// Authority issues, decides and signs approvals.
type Authority struct {
	Store  Store
	Signer auth.Signer
	Audit  audit.Sink
	Policy Policy
	Logf   func(format string, args ...any)
	now    func() time.Time
}

func NewAuthority(store Store, signer auth.Signer, sink audit.Sink, policy Policy) *Authority {
	if policy.TTL <= 0 {
		policy.TTL = DefaultPolicy().TTL
	}
	return &Authority{Store: store, Signer: signer, Audit: sink, Policy: policy, Logf: log.Printf, now: time.Now}
}

func (a *Authority) clock() time.Time {
	if a.now != nil {
		return a.now().UTC()
	}
	return time.Now().UTC()
}

func (a *Authority) logf(format string, args ...any) {
	if a.Logf != nil {
		a.Logf(format, args...)
	}
}

// Seed describes the command an approval would cover.
type Seed struct {
	CommandRef  string
	ActionID    string
	TargetID    string
	IncidentID  string
	RequestedBy string
}

// Request opens a PENDING approval for seed.CommandRef, or returns the open
// one if a request is already pending.
func (a *Authority) Request(ctx context.Context, seed Seed) (models.ApprovalRequest, error) {
	if strings.TrimSpace(seed.CommandRef) == "" {
		return models.ApprovalRequest{}, errors.New("command ref required")
	}
	now := models.Timestamp(a.clock())
	req := models.ApprovalRequest{
		ApprovalID:  uuid.NewString(),
		CommandRef:  seed.CommandRef,
		ActionID:    seed.ActionID,
		TargetID:    seed.TargetID,
		IncidentID:  seed.IncidentID,
		RequestedBy: seed.RequestedBy,
		RequestedAt: now,
		Decision:    models.DecisionPending,
		ExpiresAt:   now.Add(a.Policy.TTL),
	}
	created, err := a.Store.Create(ctx, req)
	if errors.Is(err, ErrConflict) && created.ApprovalID != "" {
		return created, nil
	}
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	a.logf("approval requested id=%s ref=%s action=%s target=%s", created.ApprovalID, created.CommandRef, created.ActionID, created.TargetID)
	return created, nil
}

// Check is the gate used before signing. It returns the approval when there
// is an unexpired ALLOW for seed.CommandRef. With nothing on record a PENDING
// request is opened and ApprovalRequired returned. DENY and EXPIRED are
// final for the ref; re-checking yields the same denial.
func (a *Authority) Check(ctx context.Context, seed Seed) (models.ApprovalRequest, error) {
	latest, err := a.Store.LatestForRef(ctx, seed.CommandRef)
	if errors.Is(err, ErrNotFound) {
		opened, rerr := a.Request(ctx, seed)
		if rerr != nil {
			return models.ApprovalRequest{}, rerr
		}
		derr := denial.New(StageGate, denial.ApprovalRequired, "approval %s pending", opened.ApprovalID)
		derr.ApprovalID = opened.ApprovalID
		return opened, derr
	}
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	return latest, a.gate(ctx, latest)
}

func (a *Authority) gate(ctx context.Context, req models.ApprovalRequest) error {
	now := a.clock()
	var derr *denial.Error
	switch req.Decision {
	case models.DecisionPending:
		if req.Expired(now) {
			if _, err := a.expire(ctx, req); err != nil && !errors.Is(err, ErrConflict) {
				return err
			}
			derr = denial.New(StageGate, denial.ApprovalExpired, "approval %s expired while pending", req.ApprovalID)
		} else {
			derr = denial.New(StageGate, denial.ApprovalRequired, "approval %s pending", req.ApprovalID)
		}
	case models.DecisionDeny:
		derr = denial.New(StageGate, denial.ApprovalDenied, "approval %s denied by %s", req.ApprovalID, req.ApproverUserID)
	case models.DecisionExpired:
		derr = denial.New(StageGate, denial.ApprovalExpired, "approval %s expired", req.ApprovalID)
	case models.DecisionAllow:
		if req.Expired(now) {
			derr = denial.New(StageGate, denial.ApprovalExpired, "approval %s allowed but expired at %s", req.ApprovalID, req.ExpiresAt.Format(time.RFC3339))
		} else {
			return nil
		}
	default:
		derr = denial.New(StageGate, denial.ApprovalRequired, "approval %s in unknown state %q", req.ApprovalID, req.Decision)
	}
	derr.ApprovalID = req.ApprovalID
	return derr
}

func (a *Authority) Get(ctx context.Context, id string) (models.ApprovalRequest, error) {
	req, err := a.Store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return models.ApprovalRequest{}, denial.New(StageDecision, denial.NotFound, "approval %s not found", id)
	}
	return req, err
}

func (a *Authority) ListPending(ctx context.Context, limit int) ([]models.ApprovalRequest, error) {
	return a.Store.ListPending(ctx, limit)
}

// Decide records an ALLOW or DENY by p. Exactly one decision wins per
// approval; a loser gets DecisionConflict.
func (a *Authority) Decide(ctx context.Context, id string, decision models.Decision, p auth.Principal, reason string) (models.ApprovalRequest, error) {
	decision = models.Decision(strings.ToUpper(strings.TrimSpace(string(decision))))
	req, err := a.Store.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return models.ApprovalRequest{}, err
	}
	deny := func(derr *denial.Error) (models.ApprovalRequest, error) {
		derr.ApprovalID = id
		if aerr := a.record(ctx, StageDecision, p.Subject, req, models.OutcomeDeny, fmt.Sprintf("%s: %s", derr.Code, derr.Reason)); aerr != nil {
			return models.ApprovalRequest{}, aerr
		}
		a.logf("approval decision denied id=%s principal=%s code=%s", id, p.Subject, derr.Code)
		return models.ApprovalRequest{}, derr
	}
	if errors.Is(err, ErrNotFound) {
		return deny(denial.New(StageDecision, denial.NotFound, "approval %s not found", id))
	}
	if authErr := rbac.Authorize(StageDecision, p, rbac.Approve); authErr != nil {
		var derr *denial.Error
		errors.As(authErr, &derr)
		return deny(derr)
	}
	if decision != models.DecisionAllow && decision != models.DecisionDeny {
		return deny(denial.New(StageDecision, denial.SchemaInvalid, "decision must be ALLOW or DENY, got %q", decision))
	}
	if err := ApproverAllowed(p.Subject, req.RequestedBy, p.Roles, a.Policy); err != nil {
		return deny(denial.New(StageDecision, denial.PermissionDenied, "%v", err))
	}
	if req.Decision == models.DecisionPending && req.Expired(a.clock()) {
		if _, err := a.expire(ctx, req); err != nil && !errors.Is(err, ErrConflict) {
			return models.ApprovalRequest{}, err
		}
		return deny(denial.New(StageDecision, denial.ApprovalExpired, "approval %s expired before decision", id))
	}
	if _, err := Transition(req.Decision, decision); err != nil {
		return deny(denial.New(StageDecision, denial.DecisionConflict, "approval %s already %s", id, req.Decision))
	}

	decidedAt := models.Timestamp(a.clock())
	role, _ := rbac.RoleFor(p, rbac.Approve)
	next := req
	next.Decision = decision
	next.ApproverUserID = p.Subject
	next.ApproverRole = role
	next.DecidedAt = &decidedAt
	next.Reason = reason
	signed, err := auth.SignApproval(ctx, a.Signer, next)
	if err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("sign decision: %w", err)
	}
	updated, err := a.Store.Update(ctx, req.Version, signed)
	if errors.Is(err, ErrConflict) {
		return deny(denial.New(StageDecision, denial.DecisionConflict, "approval %s decided concurrently", id))
	}
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	if err := a.record(ctx, StageDecision, p.Subject, updated, models.OutcomeAllow, fmt.Sprintf("%s by %s (%s) %s", decision, p.Subject, role, reason)); err != nil {
		return models.ApprovalRequest{}, err
	}
	a.logf("approval decided id=%s decision=%s approver=%s", id, decision, p.Subject)
	return updated, nil
}

func (a *Authority) expire(ctx context.Context, req models.ApprovalRequest) (models.ApprovalRequest, error) {
	next := req
	next.Decision = models.DecisionExpired
	decidedAt := models.Timestamp(a.clock())
	next.DecidedAt = &decidedAt
	next.Reason = "expired while pending"
	updated, err := a.Store.Update(ctx, req.Version, next)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	if err := a.record(ctx, StageExpiry, "system", updated, models.OutcomeDeny, "approval expired while pending"); err != nil {
		return models.ApprovalRequest{}, err
	}
	return updated, nil
}

// ExpireDue moves every PENDING approval past its expiry to EXPIRED.
func (a *Authority) ExpireDue(ctx context.Context) (int, error) {
	due, err := a.Store.DuePending(ctx, a.clock(), 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range due {
		if _, err := a.expire(ctx, req); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		a.logf("approval expiry sweep expired=%d", n)
	}
	return n, nil
}

// RunExpiry sweeps every interval until ctx is done.
func (a *Authority) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.ExpireDue(ctx); err != nil {
				a.logf("approval expiry sweep failed: %v", err)
			}
		}
	}
}

func (a *Authority) record(ctx context.Context, stage, principal string, req models.ApprovalRequest, outcome models.Outcome, reason string) error {
	if a.Audit == nil {
		return errors.New("approval audit sink required")
	}
	_, err := a.Audit.Append(ctx, models.AuditEntry{
		Stage:      stage,
		Principal:  principal,
		ActionID:   req.ActionID,
		TargetID:   req.TargetID,
		IncidentID: req.IncidentID,
		CommandID:  req.CommandRef,
		Outcome:    outcome,
		Reason:     strings.TrimSpace(reason),
	})
	if err != nil {
		return fmt.Errorf("audit approval: %w", err)
	}
	return nil
}
