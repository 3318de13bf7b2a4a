package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ransomeye/pkg/actions"
	"ransomeye/pkg/approval"
	"ransomeye/pkg/audit"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
	"ransomeye/pkg/ratelimit"
	"ransomeye/pkg/rollback"
)

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing collaborator error")
	}
	h := newHarness(t, func(c *Config) { c.DefaultTTL = time.Hour; c.MaxTTL = time.Hour })
	if h.orch.cfg.MaxTTL != MaxCommandTTL || h.orch.cfg.DefaultTTL != MaxCommandTTL {
		t.Fatalf("ttl bounds not clamped: default=%s max=%s", h.orch.cfg.DefaultTTL, h.orch.cfg.MaxTTL)
	}
}

func TestDryRunSimulatesWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("ISOLATE_HOST", "host-1")})
	if err != nil {
		t.Fatalf("dry run should succeed: %v", err)
	}
	if res.Status != models.CommandSimulated || res.Mode != models.ModeDryRun || res.Command.Signature != "" {
		t.Fatalf("unexpected simulated result %+v", res)
	}
	if res.Classification != actions.Destructive {
		t.Fatalf("classification must still be reported, got %q", res.Classification)
	}
	if got := h.stages(res.Command.CommandID); !equalStages(got, "AUTHORITY:ALLOW", "MODE:ALLOW") {
		t.Fatalf("unexpected stages %v", got)
	}
	modeEntry := h.sink.Filter(res.Command.CommandID)[1]
	if !strings.HasPrefix(modeEntry.Reason, "SIMULATED") {
		t.Fatalf("mode entry must record the simulation, got %q", modeEntry.Reason)
	}
	if len(h.dispatched()) != 0 {
		t.Fatal("dry run must not dispatch")
	}
	if pending, _ := h.apStore.ListPending(h.ctx, 10); len(pending) != 0 {
		t.Fatal("dry run must not open approvals")
	}
	if _, err := h.rollbacks.GetByOriginal(h.ctx, res.Command.CommandID); !errors.Is(err, rollback.ErrNotFound) {
		t.Fatal("dry run must not prerecord a rollback")
	}
}

func TestGuardedExecBlocksDestructive(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeGuardedExec)
	res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("ISOLATE_HOST", "host-1")})
	wantCode(t, err, denial.ModeBlocked, StageMode)
	if got := h.stages(res.Command.CommandID); !equalStages(got, "AUTHORITY:ALLOW", "MODE:DENY") {
		t.Fatalf("unexpected stages %v", got)
	}
	if pending, _ := h.apStore.ListPending(h.ctx, 10); len(pending) != 0 {
		t.Fatal("no approval request may be created")
	}
	rec, err := h.commands.Get(h.ctx, res.Command.CommandID)
	if err != nil || rec.Status != models.CommandDenied || rec.Command.Signature != "" {
		t.Fatalf("expected unsigned DENIED record, got %+v %v", rec, err)
	}
	if len(h.dispatched()) != 0 {
		t.Fatal("blocked command must not dispatch")
	}
}

func TestGuardedExecRunsSafeAction(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeGuardedExec)
	res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("block_network", "host-2")})
	if err != nil {
		t.Fatalf("safe action should run: %v", err)
	}
	if res.Status != models.CommandSucceeded || res.Command.ActionID != "BLOCK_NETWORK_CONNECTION" {
		t.Fatalf("unexpected result %+v", res)
	}
	want := []string{"AUTHORITY:ALLOW", "MODE:ALLOW", "CLASSIFICATION:ALLOW", "SIGN:ALLOW", "ROLLBACK_PRERECORD:ALLOW", "DISPATCH:ALLOW", "RESULT:ALLOW"}
	if got := h.stages(res.Command.CommandID); !equalStages(got, want...) {
		t.Fatalf("unexpected stages %v", got)
	}
	calls := h.dispatched()
	if len(calls) != 1 || !calls[0].signatureVerified || !calls[0].rollbackRecorded {
		t.Fatalf("unexpected dispatch %+v", calls)
	}
	if calls[0].cmd.IssuedByRole != "SECURITY_ANALYST" || calls[0].cmd.ModeAtIssuance != models.ModeGuardedExec {
		t.Fatalf("issuer fields not bound: %+v", calls[0].cmd)
	}
	if res.Rollback == nil || res.Rollback.RequiresApproval {
		t.Fatalf("safe action rollback record: %+v", res.Rollback)
	}
	if err := audit.VerifyChain(audit.Head{}, h.sink.Entries()); err != nil {
		t.Fatalf("chain must verify: %v", err)
	}
}

func TestDestructiveNeedsApprovalThenResubmissionSucceeds(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeFullEnforce)
	req := Request{Principal: analyst, Decision: decision("ISOLATE_HOST", "host-1")}

	first, err := h.orch.Execute(h.ctx, req)
	derr := wantCode(t, err, denial.ApprovalRequired, StageApproval)
	if derr.ApprovalID == "" || first.ApprovalID != derr.ApprovalID {
		t.Fatalf("denial must reference the pending approval: %+v", derr)
	}
	if got := h.stages(first.Command.CommandID); !equalStages(got, "AUTHORITY:ALLOW", "MODE:ALLOW", "CLASSIFICATION:ALLOW", "APPROVAL:DENY") {
		t.Fatalf("unexpected stages %v", got)
	}
	pending, _ := h.apStore.ListPending(h.ctx, 10)
	if len(pending) != 1 || pending[0].CommandRef != first.Command.CommandID {
		t.Fatalf("expected one pending approval for the command, got %+v", pending)
	}
	if rec, _ := h.commands.Get(h.ctx, first.Command.CommandID); rec.Status != models.CommandAwaitingApproval {
		t.Fatalf("expected AWAITING_APPROVAL, got %s", rec.Status)
	}
	if len(h.dispatched()) != 0 {
		t.Fatal("nothing may dispatch while approval is outstanding")
	}

	// A second attempt before the decision reuses the same request.
	again, err := h.orch.Execute(h.ctx, req)
	wantCode(t, err, denial.ApprovalRequired, StageApproval)
	if again.Command.CommandID != first.Command.CommandID || again.ApprovalID != first.ApprovalID {
		t.Fatalf("pending resubmission must keep ids: %+v", again)
	}

	h.decide(first.ApprovalID, models.DecisionAllow, manager)
	done, err := h.orch.Execute(h.ctx, req)
	if err != nil {
		t.Fatalf("approved resubmission should succeed: %v", err)
	}
	if done.Command.CommandID != first.Command.CommandID || done.Command.ApprovalID != first.ApprovalID {
		t.Fatalf("signed command must carry the approval: %+v", done.Command)
	}
	calls := h.dispatched()
	if len(calls) != 1 || !calls[0].rollbackRecorded || !calls[0].signatureVerified {
		t.Fatalf("dispatch must see a signed command with its rollback record: %+v", calls)
	}
	if done.Rollback == nil || !done.Rollback.RequiresApproval || !done.Rollback.CreatedBeforeExecution {
		t.Fatalf("unexpected rollback record %+v", done.Rollback)
	}
}

func TestResubmittingSignedIntentIsReplay(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeFullEnforce)
	req := Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "host-3")}
	first, err := h.orch.Execute(h.ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.orch.Execute(h.ctx, req)
	wantCode(t, err, denial.ReplayDetected, StageAuthority)
	if second.Command.CommandID != first.Command.CommandID {
		t.Fatal("replay must be attributed to the original command id")
	}
	if len(h.dispatched()) != 1 {
		t.Fatalf("expected exactly one execution, got %d", len(h.dispatched()))
	}

	req.Decision.IdempotencyToken = "operator-retry-2"
	third, err := h.orch.Execute(h.ctx, req)
	if err != nil || third.Command.CommandID == first.Command.CommandID {
		t.Fatalf("a new token is a new command: %+v %v", third, err)
	}
}

func TestFailedAttemptIsReissuedUnderNewID(t *testing.T) {
	for _, token := range []string{"", "ticket-88"} {
		t.Run("token="+token, func(t *testing.T) {
			h := newHarness(t)
			h.setMode(models.ModeFullEnforce)
			req := Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "host-5")}
			req.Decision.IdempotencyToken = token

			h.dispatchErr = errors.New("connection refused")
			first, err := h.orch.Execute(h.ctx, req)
			wantCode(t, err, denial.ExecutionFailed, StageDispatch)

			h.dispatchErr = nil
			h.receipt = models.ReceiptRejected
			second, err := h.orch.Execute(h.ctx, req)
			wantCode(t, err, denial.ExecutionFailed, StageResult)
			if second.Command.CommandID == first.Command.CommandID {
				t.Fatal("retry after a failure must get a new command id")
			}

			h.receipt = models.ReceiptSucceeded
			third, err := h.orch.Execute(h.ctx, req)
			if err != nil {
				t.Fatalf("retry after host rejection: %v", err)
			}
			if third.Command.CommandID == first.Command.CommandID || third.Command.CommandID == second.Command.CommandID {
				t.Fatal("each retry is a distinct signed command")
			}
			calls := h.dispatched()
			if len(calls) != 3 || !calls[2].signatureVerified {
				t.Fatalf("expected three signed dispatches, got %+v", calls)
			}

			if _, err := h.orch.Execute(h.ctx, req); !errors.Is(err, denial.ErrReplayDetected) {
				t.Fatalf("a succeeded intent is still deduplicated, got %v", err)
			}
			if len(h.dispatched()) != 3 {
				t.Fatal("replay reached the dispatcher")
			}
		})
	}
}

func TestDeniedApprovalIsStable(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeFullEnforce)
	req := Request{Principal: analyst, Decision: decision("LOCK_USER", "user-7")}
	first, _ := h.orch.Execute(h.ctx, req)
	h.decide(first.ApprovalID, models.DecisionDeny, manager)

	for i := 0; i < 3; i++ {
		res, err := h.orch.Execute(h.ctx, req)
		derr := wantCode(t, err, denial.ApprovalDenied, StageApproval)
		if derr.ApprovalID != first.ApprovalID || res.Command.CommandID != first.Command.CommandID {
			t.Fatalf("attempt %d drifted: %+v", i, derr)
		}
		if res.Status != models.CommandDenied {
			t.Fatalf("attempt %d status %s", i, res.Status)
		}
	}
	if pending, _ := h.apStore.ListPending(h.ctx, 10); len(pending) != 0 {
		t.Fatalf("denied intent must not reopen approvals: %+v", pending)
	}
	if len(h.dispatched()) != 0 {
		t.Fatal("denied command must not dispatch")
	}
}

func TestExpiredApprovalBlocks(t *testing.T) {
	h := newHarness(t)
	h.approvals.Policy.TTL = 2 * time.Second
	h.setMode(models.ModeFullEnforce)
	req := Request{Principal: analyst, Decision: decision("DISABLE_SERVICE", "host-4")}
	first, _ := h.orch.Execute(h.ctx, req)
	h.decide(first.ApprovalID, models.DecisionAllow, manager)

	granted, err := h.apStore.Get(h.ctx, first.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Until(granted.ExpiresAt) + 50*time.Millisecond)
	res, err := h.orch.Execute(h.ctx, req)
	wantCode(t, err, denial.ApprovalExpired, StageApproval)
	if res.Status != models.CommandDenied || len(h.dispatched()) != 0 {
		t.Fatal("expired approval must not authorize execution")
	}
}

func TestUnknownActionFailsAtClassification(t *testing.T) {
	for _, m := range []models.Mode{models.ModeDryRun, models.ModeGuardedExec, models.ModeFullEnforce} {
		t.Run(string(m), func(t *testing.T) {
			h := newHarness(t)
			if m != models.ModeDryRun {
				h.setMode(m)
			}
			res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("REFORMAT_DISK", "host-5")})
			wantCode(t, err, denial.UnknownAction, StageClassification)
			if got := h.stages(res.Command.CommandID); !equalStages(got, "AUTHORITY:ALLOW", "MODE:ALLOW", "CLASSIFICATION:DENY") {
				t.Fatalf("unexpected stages %v", got)
			}
			if len(h.commands.All()) != 0 {
				t.Fatal("unknown action must not leave a command record")
			}
		})
	}
}

func TestAuthorityGate(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeFullEnforce)
	cases := []struct {
		name string
		req  Request
		code denial.Code
	}{
		{"auditor cannot execute", Request{Principal: auditor, Decision: decision("BLOCK_PROCESS", "h")}, denial.PermissionDenied},
		{"policy manager cannot execute destructive", Request{Principal: manager, Decision: decision("ISOLATE_HOST", "h")}, denial.PermissionDenied},
		{"anonymous", Request{Decision: decision("BLOCK_PROCESS", "h")}, denial.PermissionDenied},
		{"missing target", Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "")}, denial.SchemaInvalid},
		{"lifetime too long", Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h2"), ExpiresAt: time.Now().Add(time.Hour)}, denial.SchemaInvalid},
		{"already expired", Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h3"), ExpiresAt: time.Now().Add(-time.Minute)}, denial.Expired},
	}
	for _, tc := range cases {
		res, err := h.orch.Execute(h.ctx, tc.req)
		wantCode(t, err, tc.code, StageAuthority)
		if got := h.stages(res.Command.CommandID); !equalStages(got, "AUTHORITY:DENY") {
			t.Fatalf("%s: unexpected stages %v", tc.name, got)
		}
	}
	if len(h.commands.All()) != 0 || len(h.dispatched()) != 0 {
		t.Fatal("authority denials leave no command state")
	}
}

func TestRateLimitIsEnforcedAtAuthority(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Limiter = ratelimit.NewInMemory()
		c.TargetRule = ratelimit.Rule{Name: "target", Limit: 1, Window: time.Minute}
	})
	h.setMode(models.ModeFullEnforce)
	d := decision("BLOCK_PROCESS", "host-9")
	if _, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: d}); err != nil {
		t.Fatal(err)
	}
	d.IdempotencyToken = "second"
	_, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: d})
	wantCode(t, err, denial.RateLimited, StageAuthority)
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string, ratelimit.Rule) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, ratelimit.ErrUnavailable
}

func TestRateLimiterOutageFailsClosed(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Limiter = brokenLimiter{} })
	_, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h")})
	wantCode(t, err, denial.RateLimited, StageAuthority)
}

// advancingGate grants everything but burns clock time doing it.
type advancingGate struct {
	h  *harness
	by time.Duration
}

func (g *advancingGate) Check(ctx context.Context, seed approval.Seed) (models.ApprovalRequest, error) {
	g.h.advance(g.by)
	return models.ApprovalRequest{ApprovalID: "ap-1", Decision: models.DecisionAllow, ApproverUserID: "carol", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestExpiryBeforeSignAndDispatch(t *testing.T) {
	t.Run("sign", func(t *testing.T) {
		h := newHarness(t)
		h.orch.cfg.Approvals = &advancingGate{h: h, by: 6 * time.Minute}
		h.setMode(models.ModeFullEnforce)
		res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("ISOLATE_HOST", "h")})
		wantCode(t, err, denial.Expired, StageSign)
		if rec, _ := h.commands.Get(h.ctx, res.Command.CommandID); rec.Status != models.CommandDenied || rec.Command.Signature != "" {
			t.Fatalf("expected unsigned DENIED record, got %+v", rec)
		}
	})
	t.Run("dispatch", func(t *testing.T) {
		h := newHarness(t)
		h.orch.cfg.Rollbacks = &advancingRollbacks{MemoryStore: h.rollbacks, h: h, by: 6 * time.Minute}
		h.setMode(models.ModeFullEnforce)
		res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h")})
		wantCode(t, err, denial.Expired, StageDispatch)
		if len(h.dispatched()) != 0 {
			t.Fatal("expired command must not reach the agent")
		}
		if rec, _ := h.commands.Get(h.ctx, res.Command.CommandID); rec.Status != models.CommandFailed {
			t.Fatalf("expected FAILED, got %s", rec.Status)
		}
	})
}

type advancingRollbacks struct {
	*rollback.MemoryStore
	h  *harness
	by time.Duration
}

func (a *advancingRollbacks) Prerecord(ctx context.Context, rec models.RollbackRecord) error {
	a.h.advance(a.by)
	return a.MemoryStore.Prerecord(ctx, rec)
}

func TestDispatchAndReceiptFailuresAreSurfaced(t *testing.T) {
	t.Run("transport", func(t *testing.T) {
		h := newHarness(t)
		h.setMode(models.ModeFullEnforce)
		h.dispatchErr = errors.New("connection refused")
		res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h")})
		wantCode(t, err, denial.ExecutionFailed, StageDispatch)
		want := []string{"AUTHORITY:ALLOW", "MODE:ALLOW", "CLASSIFICATION:ALLOW", "SIGN:ALLOW", "ROLLBACK_PRERECORD:ALLOW", "DISPATCH:DENY"}
		if got := h.stages(res.Command.CommandID); !equalStages(got, want...) {
			t.Fatalf("unexpected stages %v", got)
		}
		if rec, _ := h.commands.Get(h.ctx, res.Command.CommandID); rec.Status != models.CommandFailed || rec.Error == "" {
			t.Fatalf("expected FAILED with error, got %+v", rec)
		}
	})
	t.Run("receipt", func(t *testing.T) {
		h := newHarness(t)
		h.setMode(models.ModeFullEnforce)
		h.receipt = models.ReceiptFailed
		res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("QUARANTINE_FILE", "h")})
		wantCode(t, err, denial.ExecutionFailed, StageResult)
		if res.Status != models.CommandFailed || res.Receipt == nil {
			t.Fatalf("unexpected result %+v", res)
		}
		if rec, _ := h.rollbacks.GetByOriginal(h.ctx, res.Command.CommandID); rec.Status != models.RollbackPending {
			t.Fatalf("original failure leaves the rollback record pending, got %s", rec.Status)
		}
	})
}

func TestMissingSignerFailsClosed(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Signer = nil })
	h.setMode(models.ModeFullEnforce)
	res, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h")})
	wantCode(t, err, denial.SignatureInvalid, StageSign)
	if len(h.dispatched()) != 0 || res.Command.Signature != "" {
		t.Fatal("unsigned command must not dispatch")
	}
}

type failingSink struct{ after int }

func (f *failingSink) Append(_ context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	if f.after <= 0 {
		return models.AuditEntry{}, errors.New("disk full")
	}
	f.after--
	return e, nil
}

func TestAuditFailureStopsPipeline(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeFullEnforce)
	h.orch.cfg.Audit = &failingSink{after: 3}
	_, err := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h")})
	if err == nil || !strings.Contains(err.Error(), "SIGN audit") {
		t.Fatalf("expected audit failure at SIGN, got %v", err)
	}
	if len(h.dispatched()) != 0 {
		t.Fatal("pipeline must stop when audit fails")
	}
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	h := newHarness(t)
	h.setMode(models.ModeFullEnforce)
	req := Request{Principal: analyst, Decision: decision("TEMPORARY_FIREWALL_RULE", "edge-1")}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dups int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Execute(h.ctx, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, denial.ErrReplayDetected):
				dups++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dups != 7 || len(h.dispatched()) != 1 {
		t.Fatalf("ok=%d dups=%d dispatched=%d", ok, dups, len(h.dispatched()))
	}
	if h.orch.locks.size() != 0 {
		t.Fatal("locks must be released")
	}
}

func TestCommandLookup(t *testing.T) {
	h := newHarness(t)
	if _, err := h.orch.Command(h.ctx, "missing"); !errors.Is(err, denial.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	res, _ := h.orch.Execute(h.ctx, Request{Principal: analyst, Decision: decision("BLOCK_PROCESS", "h")})
	rec, err := h.orch.Command(h.ctx, res.Command.CommandID)
	if err != nil || rec.Status != models.CommandSimulated {
		t.Fatalf("unexpected record %+v %v", rec, err)
	}
}
