package pipeline

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"ransomeye/pkg/approval"
	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/dispatch"
	"ransomeye/pkg/mode"
	"ransomeye/pkg/models"
	"ransomeye/pkg/rollback"
)

var (
	admin   = auth.Principal{Subject: "root", Roles: []string{"SUPER_ADMIN"}}
	analyst = auth.Principal{Subject: "alice", Roles: []string{"SECURITY_ANALYST"}}
	manager = auth.Principal{Subject: "carol", Roles: []string{"POLICY_MANAGER"}}
	auditor = auth.Principal{Subject: "dave", Roles: []string{"AUDITOR"}}
)

// dispatchCall is what the fake agent saw, including whether the rollback
// record already existed when the command arrived.
type dispatchCall struct {
	cmd               models.Command
	rollbackRecorded  bool
	signatureVerified bool
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	sink      *audit.MemorySink
	modes     *mode.Service
	approvals *approval.Authority
	apStore   *approval.MemoryStore
	commands  *MemoryCommandStore
	rollbacks *rollback.MemoryStore
	verifier  auth.Verifier
	orch      *Orchestrator

	mu          sync.Mutex
	now         time.Time
	calls       []dispatchCall
	receipt     models.ReceiptStatus
	dispatchErr error
}

func quiet(string, ...any) {}

func newHarness(t *testing.T, adjust ...func(*Config)) *harness {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := auth.NewEd25519Signer(priv)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		sink:      audit.NewMemorySink(),
		apStore:   approval.NewMemoryStore(),
		commands:  NewMemoryCommandStore(),
		rollbacks: rollback.NewMemoryStore(),
		verifier: auth.KeyStoreVerifier{Keys: auth.NewStaticKeyStore(auth.KeyRecord{
			Kid: signer.KeyID(), Signer: "orchestrator", PublicKey: signer.PublicKey(),
		})},
		now:     time.Now().UTC(),
		receipt: models.ReceiptSucceeded,
	}
	h.modes = mode.NewService(mode.NewMemoryStore(), h.sink)
	h.modes.Logf = quiet
	h.approvals = approval.NewAuthority(h.apStore, signer, h.sink, approval.DefaultPolicy())
	h.approvals.Logf = quiet

	cfg := Config{
		Modes:      h.modes,
		Approvals:  h.approvals,
		Signer:     signer,
		Dispatcher: dispatch.Func(h.dispatch),
		Rollbacks:  h.rollbacks,
		Commands:   h.commands,
		Audit:      h.sink,
		Logf:       quiet,
	}
	for _, fn := range adjust {
		fn(&cfg)
	}
	h.orch, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	h.orch.now = h.clock
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) dispatch(ctx context.Context, cmd models.Command) (models.ExecutionReceipt, error) {
	call := dispatchCall{cmd: cmd}
	if cmd.Kind == models.KindRollback {
		rec, err := h.rollbacks.GetByOriginal(ctx, cmd.RollbackOf)
		call.rollbackRecorded = err == nil && rec.RollbackCommandID == cmd.CommandID
	} else {
		rec, err := h.rollbacks.GetByOriginal(ctx, cmd.CommandID)
		call.rollbackRecorded = err == nil && rec.CreatedBeforeExecution
	}
	_, verr := auth.VerifyCommand(ctx, h.verifier, cmd)
	call.signatureVerified = verr == nil

	h.mu.Lock()
	h.calls = append(h.calls, call)
	status, derr := h.receipt, h.dispatchErr
	h.mu.Unlock()
	if derr != nil {
		return models.ExecutionReceipt{}, derr
	}
	return models.ExecutionReceipt{CommandID: cmd.CommandID, Status: status, ExecutedAt: h.clock()}, nil
}

func (h *harness) dispatched() []dispatchCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]dispatchCall(nil), h.calls...)
}

func (h *harness) setMode(m models.Mode) {
	h.t.Helper()
	if _, err := h.modes.Set(h.ctx, m, admin, 0, "test"); err != nil {
		h.t.Fatalf("set mode %s: %v", m, err)
	}
}

func (h *harness) decide(approvalID string, d models.Decision, p auth.Principal) {
	h.t.Helper()
	if _, err := h.approvals.Decide(h.ctx, approvalID, d, p, "reviewed"); err != nil {
		h.t.Fatalf("decide %s: %v", d, err)
	}
}

// stages returns the pipeline stage entries written for commandID, in order.
func (h *harness) stages(commandID string) []string {
	var out []string
	for _, e := range h.sink.Filter(commandID) {
		if pipelineStage(e.Stage) {
			out = append(out, e.Stage+":"+string(e.Outcome))
		}
	}
	return out
}

func pipelineStage(s string) bool {
	switch s {
	case StageAuthority, StageMode, StageClassification, StageApproval, StageSign,
		StageRollbackPrerecord, StageDispatch, StageResult:
		return true
	}
	return false
}

func decision(action, target string) models.PolicyDecision {
	return models.PolicyDecision{IncidentID: "inc-1", RecommendedAction: action, TargetID: target, Confidence: 0.97}
}

func equalStages(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func wantCode(t *testing.T, err error, code denial.Code, stage string) *denial.Error {
	t.Helper()
	var derr *denial.Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected %s denial, got %v", code, err)
	}
	if derr.Code != code || (stage != "" && derr.Stage != stage) {
		t.Fatalf("expected %s at %s, got %s at %s (%v)", code, stage, derr.Code, derr.Stage, err)
	}
	return derr
}
