package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ransomeye/pkg/audit"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/models"
	"ransomeye/pkg/store"
)

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected missing collaborators to be refused")
	}
	h := newHostHarness(t)
	if h.gate.cfg.Skew != DefaultSkew || h.gate.cfg.Issuer != DefaultIssuer {
		t.Fatalf("unexpected defaults %+v", h.gate.cfg)
	}
}

func TestSafeCommandExecutesWithSignedReceipt(t *testing.T) {
	h := newHostHarness(t)
	cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
	r, err := h.gate.Handle(h.ctx, h.signed(cmd))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if r.Status != models.ReceiptSucceeded || r.CommandID != cmd.CommandID || r.ReasonCode != "" {
		t.Fatalf("unexpected receipt %+v", r)
	}
	h.verifyReceipt(r)
	if h.executions() != 1 {
		t.Fatalf("expected one execution, got %d", h.executions())
	}
	want := []string{
		"SCHEMA:ALLOW", "FRESHNESS:ALLOW", "SIGNATURE:ALLOW", "ISSUER:ALLOW", "RBAC:ALLOW",
		"APPROVAL:ALLOW", "REPLAY:ALLOW", "EXECUTE:ALLOW", "RECEIPT:ALLOW",
	}
	if got := h.steps(cmd.CommandID); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("steps = %v", got)
	}
	if err := audit.VerifyChain(audit.Head{}, h.sink.Entries()); err != nil {
		t.Fatalf("local audit chain: %v", err)
	}
	e, err := h.ledger.Get(h.ctx, cmd.CommandID)
	if err != nil || e.State != LedgerSucceeded || e.FinishedAt == nil {
		t.Fatalf("ledger entry %+v %v", e, err)
	}
}

func TestStepMetricsCountOutcomes(t *testing.T) {
	reg := metrics.NewRegistry()
	h := newHostHarness(t, func(c *Config) { c.Metrics = reg })
	if _, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	raw := h.signed(h.command("ISOLATE_HOST", models.ModeFullEnforce))
	_, _ = h.gate.Handle(h.ctx, raw)

	counts := map[string]int64{}
	for _, sc := range reg.Snapshot().Stages {
		counts[sc.Stage+"|"+sc.Outcome+"|"+sc.Code] = sc.Count
	}
	if counts["HOST_SCHEMA|ALLOW|"] != 2 || counts["HOST_EXECUTE|ALLOW|"] != 1 {
		t.Fatalf("allow steps not counted: %v", counts)
	}
	if counts["HOST_APPROVAL|DENY|"+string(denial.ApprovalRequired)] != 1 {
		t.Fatalf("denied step not counted with its code: %v", counts)
	}
}

func TestExpiredCommandIsNotRunOrCached(t *testing.T) {
	h := newHostHarness(t)
	cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
	raw := h.signed(cmd)
	h.advance(5*time.Minute + 30*time.Second)

	r, err := h.gate.Handle(h.ctx, raw)
	wantRejection(t, r, err, denial.Expired, StepFreshness)
	if h.executions() != 0 {
		t.Fatal("expired command executed")
	}
	if _, err := h.replay.Get(h.ctx, replayKeyPrefix+cmd.CommandID); !errors.Is(err, store.ErrCacheMiss) {
		t.Fatalf("expired command must not enter the replay cache, got %v", err)
	}
	if _, err := h.ledger.Get(h.ctx, cmd.CommandID); err == nil {
		t.Fatal("expired command must not reach the ledger")
	}
}

func TestReplayIsRejected(t *testing.T) {
	h := newHostHarness(t)
	raw := h.signed(h.command("QUARANTINE_FILE", models.ModeFullEnforce))
	if _, err := h.gate.Handle(h.ctx, raw); err != nil {
		t.Fatal(err)
	}
	r, err := h.gate.Handle(h.ctx, raw)
	wantRejection(t, r, err, denial.ReplayDetected, StepReplay)
	if r.Status != models.ReceiptRejected {
		t.Fatalf("replay receipt status %s", r.Status)
	}
	h.verifyReceipt(r)
	if h.executions() != 1 {
		t.Fatalf("replay executed again")
	}
}

func TestRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  func(h *hostHarness) []byte
		code denial.Code
		step string
	}{
		{"not json", func(h *hostHarness) []byte { return []byte("{") }, denial.SchemaInvalid, StepSchema},
		{"trailing data", func(h *hostHarness) []byte {
			return append(h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)), []byte(" {}")...)
		}, denial.SchemaInvalid, StepSchema},
		{"unknown field", func(h *hostHarness) []byte {
			var doc map[string]any
			_ = json.Unmarshal(h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)), &doc)
			doc["shell"] = "rm -rf /"
			raw, _ := json.Marshal(doc)
			return raw
		}, denial.SchemaInvalid, StepSchema},
		{"unknown action", func(h *hostHarness) []byte {
			return h.signed(h.command("REFORMAT_DISK", models.ModeFullEnforce))
		}, denial.SchemaInvalid, StepSchema},
		{"rollback without original", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.Kind = models.KindRollback
			return h.signed(cmd)
		}, denial.SchemaInvalid, StepSchema},
		{"lifetime too long", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.ExpiresAt = cmd.IssuedAt.Add(time.Hour)
			return h.signed(cmd)
		}, denial.SchemaInvalid, StepSchema},
		{"expiry before issuance", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.ExpiresAt = cmd.IssuedAt
			return h.signed(cmd)
		}, denial.SchemaInvalid, StepSchema},
		{"issued in the future", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.IssuedAt = cmd.IssuedAt.Add(5 * time.Minute)
			cmd.ExpiresAt = cmd.IssuedAt.Add(5 * time.Minute)
			return h.signed(cmd)
		}, denial.Stale, StepFreshness},
		{"expired", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.IssuedAt = cmd.IssuedAt.Add(-14 * time.Minute)
			cmd.ExpiresAt = cmd.IssuedAt.Add(12 * time.Minute)
			return h.signed(cmd)
		}, denial.Expired, StepFreshness},
		{"expired inside the skew window", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.IssuedAt = cmd.IssuedAt.Add(-50 * time.Second)
			cmd.ExpiresAt = cmd.IssuedAt.Add(40 * time.Second)
			return h.signed(cmd)
		}, denial.Expired, StepFreshness},
		{"issued too long ago", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.IssuedAt = cmd.IssuedAt.Add(-14 * time.Minute)
			cmd.ExpiresAt = cmd.IssuedAt.Add(15 * time.Minute)
			return h.signed(cmd)
		}, denial.Stale, StepFreshness},
		{"tampered target", func(h *hostHarness) []byte {
			cmd := h.sign(h.issuer, h.command("BLOCK_PROCESS", models.ModeGuardedExec))
			cmd.TargetID = "domain-controller"
			return h.encode(cmd)
		}, denial.SignatureInvalid, StepSignature},
		{"unknown key", func(h *hostHarness) []byte {
			return h.encode(h.sign(newSigner(h.t), h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
		}, denial.SignatureInvalid, StepSignature},
		{"revoked key", func(h *hostHarness) []byte {
			h.keys.Revoke(h.issuer.KeyID())
			return h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec))
		}, denial.SignatureInvalid, StepSignature},
		{"wrong issuer", func(h *hostHarness) []byte {
			return h.encode(h.sign(h.rogue, h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
		}, denial.IssuerMismatch, StepIssuer},
		{"auditor role", func(h *hostHarness) []byte {
			cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
			cmd.IssuedByRole = "AUDITOR"
			return h.signed(cmd)
		}, denial.PermissionDenied, StepRBAC},
		{"manager cannot execute destructive", func(h *hostHarness) []byte {
			cmd := h.command("ISOLATE_HOST", models.ModeFullEnforce)
			cmd.IssuedByRole = "POLICY_MANAGER"
			return h.signed(cmd)
		}, denial.PermissionDenied, StepRBAC},
		{"dry run never executes", func(h *hostHarness) []byte {
			return h.signed(h.command("BLOCK_PROCESS", models.ModeDryRun))
		}, denial.ModeBlocked, StepApproval},
		{"guarded exec refuses destructive", func(h *hostHarness) []byte {
			return h.signed(h.command("LOCK_USER", models.ModeGuardedExec))
		}, denial.ModeBlocked, StepApproval},
		{"destructive without approval", func(h *hostHarness) []byte {
			return h.signed(h.command("ISOLATE_HOST", models.ModeFullEnforce))
		}, denial.ApprovalRequired, StepApproval},
		{"approval unknown to authority", func(h *hostHarness) []byte {
			cmd := h.command("ISOLATE_HOST", models.ModeFullEnforce)
			cmd.ApprovalID = "5b0f8e9e-4a3c-4d8e-9c53-0d4b8d1e6f21"
			return h.signed(cmd)
		}, denial.ApprovalRequired, StepApproval},
		{"approval for another command", func(h *hostHarness) []byte {
			other := h.approve(h.command("ISOLATE_HOST", models.ModeFullEnforce), models.DecisionAllow, time.Hour)
			cmd := h.command("ISOLATE_HOST", models.ModeFullEnforce)
			cmd.ApprovalID = other.ApprovalID
			return h.signed(cmd)
		}, denial.ApprovalRequired, StepApproval},
		{"approval for another target", func(h *hostHarness) []byte {
			cmd := h.approve(h.command("ISOLATE_HOST", models.ModeFullEnforce), models.DecisionAllow, time.Hour)
			cmd.TargetID = "host-99"
			return h.signed(cmd)
		}, denial.ApprovalRequired, StepApproval},
		{"approval denied", func(h *hostHarness) []byte {
			return h.signed(h.approve(h.command("DISABLE_SERVICE", models.ModeFullEnforce), models.DecisionDeny, time.Hour))
		}, denial.ApprovalDenied, StepApproval},
		{"approval still pending", func(h *hostHarness) []byte {
			return h.signed(h.approve(h.command("DISABLE_SERVICE", models.ModeFullEnforce), models.DecisionPending, time.Hour))
		}, denial.ApprovalRequired, StepApproval},
		{"approval window closed", func(h *hostHarness) []byte {
			cmd := h.approve(h.command("MASS_PROCESS_KILL", models.ModeFullEnforce), models.DecisionAllow, time.Minute)
			h.advance(2 * time.Minute)
			cmd.IssuedAt, cmd.ExpiresAt = h.clock(), h.clock().Add(5*time.Minute)
			return h.signed(cmd)
		}, denial.ApprovalExpired, StepApproval},
		{"forged approval", func(h *hostHarness) []byte {
			cmd := h.approve(h.command("ISOLATE_HOST", models.ModeFullEnforce), models.DecisionAllow, time.Hour)
			h.approvals.mu.Lock()
			a := h.approvals.items[cmd.ApprovalID]
			a.ApproverUserID = "mallory"
			h.approvals.items[cmd.ApprovalID] = a
			h.approvals.mu.Unlock()
			return h.signed(cmd)
		}, denial.ApprovalRequired, StepApproval},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHostHarness(t)
			r, err := h.gate.Handle(h.ctx, tc.raw(h))
			wantRejection(t, r, err, tc.code, tc.step)
			if r.Status != models.ReceiptRejected {
				t.Fatalf("status %s, want REJECTED", r.Status)
			}
			h.verifyReceipt(r)
			if h.executions() != 0 {
				t.Fatal("rejected command must not execute")
			}
			entries := h.sink.Entries()
			if len(entries) < 2 {
				t.Fatalf("expected the failing step and the receipt audited, got %d entries", len(entries))
			}
			last, failing := entries[len(entries)-1], entries[len(entries)-2]
			if last.Stage != StepReceipt || failing.Stage != tc.step || failing.Outcome != models.OutcomeDeny {
				t.Fatalf("unexpected audit tail %+v %+v", failing, last)
			}
		})
	}
}

func TestDestructiveWithApprovalExecutes(t *testing.T) {
	h := newHostHarness(t)
	cmd := h.approve(h.command("ISOLATE_HOST", models.ModeFullEnforce), models.DecisionAllow, time.Hour)
	r, err := h.gate.Handle(h.ctx, h.signed(cmd))
	if err != nil || r.Status != models.ReceiptSucceeded {
		t.Fatalf("expected success, got %+v %v", r, err)
	}
	if h.executions() != 1 || h.ran[0].ApprovalID != cmd.ApprovalID {
		t.Fatalf("unexpected executions %+v", h.ran)
	}
}

func TestMissingKeyMaterialFailsClosed(t *testing.T) {
	h := newHostHarness(t, func(c *Config) { c.Keys = nil })
	r, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
	wantRejection(t, r, err, denial.SignatureInvalid, StepSignature)
	if !strings.Contains(r.Error, "no key material") {
		t.Fatalf("unexpected reason %q", r.Error)
	}
}

func TestPinnedIssuerKeys(t *testing.T) {
	h := newHostHarness(t, func(c *Config) { c.IssuerKeyIDs = []string{"ffff"} })
	r, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
	wantRejection(t, r, err, denial.IssuerMismatch, StepIssuer)

	h = newHostHarness(t)
	h.gate.cfg.IssuerKeyIDs = []string{h.issuer.KeyID()}
	if _, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec))); err != nil {
		t.Fatalf("pinned key refused: %v", err)
	}
}

func TestAuthorityOutageDeniesDestructive(t *testing.T) {
	h := newHostHarness(t)
	cmd := h.approve(h.command("LOCK_USER", models.ModeFullEnforce), models.DecisionAllow, time.Hour)
	h.approvals.err = errors.New("connection refused")
	r, err := h.gate.Handle(h.ctx, h.signed(cmd))
	wantRejection(t, r, err, denial.ApprovalRequired, StepApproval)
	if !strings.Contains(r.Error, "authority unreachable") {
		t.Fatalf("unexpected reason %q", r.Error)
	}

	safe := newHostHarness(t)
	safe.approvals.err = errors.New("connection refused")
	if _, err := safe.gate.Handle(safe.ctx, safe.signed(safe.command("BLOCK_PROCESS", models.ModeFullEnforce))); err != nil {
		t.Fatalf("SAFE actions do not need the authority: %v", err)
	}
	if safe.approvals.calls != 0 {
		t.Fatal("authority consulted for a SAFE action")
	}
}

func TestExecutionFailureProducesFailedReceipt(t *testing.T) {
	h := newHostHarness(t)
	h.execErr = errors.New("iptables: permission denied")
	cmd := h.command("BLOCK_NETWORK_CONNECTION", models.ModeGuardedExec)
	r, err := h.gate.Handle(h.ctx, h.signed(cmd))
	wantRejection(t, r, err, denial.ExecutionFailed, StepExecute)
	if r.Status != models.ReceiptFailed || !strings.Contains(r.Error, "permission denied") {
		t.Fatalf("unexpected receipt %+v", r)
	}
	e, _ := h.ledger.Get(h.ctx, cmd.CommandID)
	if e.State != LedgerFailed || e.Error == "" {
		t.Fatalf("ledger entry %+v", e)
	}

	rb := h.command("BLOCK_NETWORK_CONNECTION", models.ModeGuardedExec)
	rb.Kind, rb.RollbackOf = models.KindRollback, cmd.CommandID
	r, err = h.gate.Handle(h.ctx, h.signed(rb))
	wantRejection(t, r, err, denial.RollbackFailed, StepExecute)
	if r.Status != models.ReceiptFailed {
		t.Fatalf("rollback failure status %s", r.Status)
	}
}

func TestRollbackCommandRuns(t *testing.T) {
	h := newHostHarness(t)
	rb := h.command("QUARANTINE_FILE", models.ModeGuardedExec)
	rb.Kind, rb.RollbackOf = models.KindRollback, "0d3e6a55-8d53-4c86-a2b7-4b6c33b1a0de"
	r, err := h.gate.Handle(h.ctx, h.signed(rb))
	if err != nil || r.Status != models.ReceiptSucceeded {
		t.Fatalf("rollback: %+v %v", r, err)
	}
	if h.ran[0].Kind != models.KindRollback || h.ran[0].RollbackOf != rb.RollbackOf {
		t.Fatalf("executor saw %+v", h.ran[0])
	}
}

func TestInterruptedRunIsNotRepeated(t *testing.T) {
	h := newHostHarness(t)
	cmd := h.command("TEMPORARY_FIREWALL_RULE", models.ModeGuardedExec)
	// The previous process crashed between Begin and Finish; the replay
	// cache did not survive the restart.
	if _, err := h.ledger.Begin(h.ctx, cmd, h.clock()); err != nil {
		t.Fatal(err)
	}
	r, err := h.gate.Handle(h.ctx, h.signed(cmd))
	wantRejection(t, r, err, denial.ExecutionFailed, StepExecute)
	if r.Status != models.ReceiptFailed || h.executions() != 0 {
		t.Fatalf("interrupted command re-ran or wrong status: %+v runs=%d", r, h.executions())
	}

	done := h.command("TEMPORARY_FIREWALL_RULE", models.ModeGuardedExec)
	_, _ = h.ledger.Begin(h.ctx, done, h.clock())
	_ = h.ledger.Finish(h.ctx, done.CommandID, LedgerSucceeded, "", h.clock())
	r, err = h.gate.Handle(h.ctx, h.signed(done))
	wantRejection(t, r, err, denial.ReplayDetected, StepExecute)
	if r.Status != models.ReceiptRejected {
		t.Fatalf("finished command status %s", r.Status)
	}
}

type brokenCache struct{ store.Cache }

func (brokenCache) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestReplayCacheOutageFailsClosed(t *testing.T) {
	h := newHostHarness(t, func(c *Config) { c.Replay = brokenCache{} })
	r, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
	wantRejection(t, r, err, denial.ReplayDetected, StepReplay)
	if h.executions() != 0 {
		t.Fatal("executed without a replay check")
	}
}

func TestReplayWindowCoversLifetimePlusSkew(t *testing.T) {
	h := newHostHarness(t)
	cmd := h.command("BLOCK_PROCESS", models.ModeGuardedExec)
	if _, err := h.gate.Handle(h.ctx, h.signed(cmd)); err != nil {
		t.Fatal(err)
	}
	// Still inside expiry + skew: the cache must still hold the id.
	h.advance(5*time.Minute + 30*time.Second)
	if _, err := h.replay.Get(h.ctx, replayKeyPrefix+cmd.CommandID); err != nil {
		t.Fatalf("replay key evicted early: %v", err)
	}
	h.advance(time.Minute)
	if _, err := h.replay.Get(h.ctx, replayKeyPrefix+cmd.CommandID); !errors.Is(err, store.ErrCacheMiss) {
		t.Fatalf("replay key should expire, got %v", err)
	}
}

func TestRedisReplayIsSharedAcrossGates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := store.NewRedisCache(client, "agent:")

	a := newHostHarness(t, func(c *Config) { c.Replay = shared })
	b := newHostHarness(t, func(c *Config) { c.Replay = shared })
	b.keys.Put(record(a.issuer, "orchestrator"))

	raw := a.signed(a.command("BLOCK_PROCESS", models.ModeGuardedExec))
	if _, err := a.gate.Handle(a.ctx, raw); err != nil {
		t.Fatal(err)
	}
	r, err := b.gate.Handle(b.ctx, raw)
	wantRejection(t, r, err, denial.ReplayDetected, StepReplay)
	if ttl := mr.TTL("agent:" + replayKeyPrefix + r.CommandID); ttl <= 5*time.Minute {
		t.Fatalf("replay ttl %s should exceed the command lifetime", ttl)
	}
}

func TestConcurrentDeliveryExecutesOnce(t *testing.T) {
	h := newHostHarness(t)
	raw := h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec))
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, rej int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.gate.Handle(h.ctx, raw)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, denial.ErrReplayDetected) {
				rej++
			}
		}()
	}
	wg.Wait()
	if ok != 1 || rej != 9 || h.executions() != 1 {
		t.Fatalf("ok=%d rejected=%d executions=%d", ok, rej, h.executions())
	}
}

type failingSink struct {
	audit.Sink
	after int
	n     int
}

func (f *failingSink) Append(ctx context.Context, e models.AuditEntry) (models.AuditEntry, error) {
	f.n++
	if f.n > f.after {
		return models.AuditEntry{}, errors.New("disk full")
	}
	return f.Sink.Append(ctx, e)
}

func TestAuditFailureStopsBeforeExecution(t *testing.T) {
	h := newHostHarness(t, func(c *Config) { c.Audit = &failingSink{Sink: audit.NewMemorySink(), after: 6} })
	r, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
	if err == nil || !strings.Contains(err.Error(), "REPLAY audit") {
		t.Fatalf("expected replay audit failure, got %v", err)
	}
	if r.Signature != "" || h.executions() != 0 {
		t.Fatal("audit failure must not execute or produce a receipt")
	}
	var derr *denial.Error
	if errors.As(err, &derr) {
		t.Fatal("infrastructure failure must not look like a denial")
	}
}

func TestReceiptSigningFailure(t *testing.T) {
	h := newHostHarness(t)
	h.gate.cfg.Signer = failingSigner{h.agent}
	_, err := h.gate.Handle(h.ctx, h.signed(h.command("BLOCK_PROCESS", models.ModeGuardedExec)))
	if err == nil || !strings.Contains(err.Error(), "sign receipt") {
		t.Fatalf("expected signing failure, got %v", err)
	}
	last := h.sink.Entries()[len(h.sink.Entries())-1]
	if last.Stage != StepReceipt || last.Outcome != models.OutcomeDeny {
		t.Fatalf("signing failure not audited: %+v", last)
	}
}

type failingSigner struct{ inner interface{ KeyID() string } }

func (f failingSigner) KeyID() string { return f.inner.KeyID() }
func (f failingSigner) Sign(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm offline")
}
