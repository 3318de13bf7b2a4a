package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
	"ransomeye/pkg/store"
)

func quiet(string, ...any) {}

func newSigner(t *testing.T) *auth.Ed25519Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := auth.NewEd25519Signer(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func record(s *auth.Ed25519Signer, owner string) auth.KeyRecord {
	return auth.KeyRecord{Kid: s.KeyID(), Signer: owner, PublicKey: s.PublicKey()}
}

// fakeApprovals serves approvals from a map; err simulates an outage.
type fakeApprovals struct {
	mu    sync.Mutex
	items map[string]models.ApprovalRequest
	err   error
	calls int
}

func (f *fakeApprovals) Lookup(_ context.Context, id string) (models.ApprovalRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.ApprovalRequest{}, f.err
	}
	a, ok := f.items[id]
	if !ok {
		return models.ApprovalRequest{}, ErrApprovalUnknown
	}
	return a, nil
}

type hostHarness struct {
	t         *testing.T
	ctx       context.Context
	issuer    *auth.Ed25519Signer
	rogue     *auth.Ed25519Signer
	authority *auth.Ed25519Signer
	agent     *auth.Ed25519Signer
	keys      *auth.StaticKeyStore
	approvals *fakeApprovals
	replay    *store.MemoryCache
	ledger    *MemoryLedger
	sink      *audit.MemorySink
	gate      *Gate

	mu      sync.Mutex
	now     time.Time
	ran     []models.Command
	execErr error
}

func newHostHarness(t *testing.T, adjust ...func(*Config)) *hostHarness {
	t.Helper()
	h := &hostHarness{
		t:         t,
		ctx:       context.Background(),
		issuer:    newSigner(t),
		rogue:     newSigner(t),
		authority: newSigner(t),
		agent:     newSigner(t),
		approvals: &fakeApprovals{items: map[string]models.ApprovalRequest{}},
		ledger:    NewMemoryLedger(),
		sink:      audit.NewMemorySink(),
		now:       models.Timestamp(time.Now()),
	}
	h.replay = store.NewMemoryCache().WithClock(h.clock)
	h.keys = auth.NewStaticKeyStore(record(h.issuer, "orchestrator"), record(h.rogue, "policy-engine"))
	cfg := Config{
		Keys:         auth.KeyStoreVerifier{Keys: h.keys},
		Approvals:    h.approvals,
		ApprovalKeys: auth.KeyStoreVerifier{Keys: auth.NewStaticKeyStore(record(h.authority, "approval-authority"))},
		Replay:       h.replay,
		Ledger:       h.ledger,
		Executor:     ExecutorFunc(h.execute),
		Signer:       h.agent,
		Audit:        h.sink,
		AgentID:      "host-1",
		Logf:         quiet,
	}
	for _, fn := range adjust {
		fn(&cfg)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	g.now = h.clock
	h.gate = g
	return h
}

func (h *hostHarness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *hostHarness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *hostHarness) execute(_ context.Context, cmd models.Command) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ran = append(h.ran, cmd)
	if h.execErr != nil {
		return "", h.execErr
	}
	return "done", nil
}

func (h *hostHarness) executions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ran)
}

// command builds an unsigned command issued now with a five minute lifetime.
func (h *hostHarness) command(action string, mode models.Mode) models.Command {
	now := h.clock()
	return models.Command{
		CommandID:      uuid.NewString(),
		Kind:           models.KindExecute,
		ActionID:       action,
		TargetID:       "host-42",
		IncidentID:     "inc-7",
		IssuedByUserID: "alice",
		IssuedByRole:   "SECURITY_ANALYST",
		ModeAtIssuance: mode,
		IssuedAt:       now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}
}

func (h *hostHarness) sign(s auth.Signer, cmd models.Command) models.Command {
	h.t.Helper()
	signed, err := auth.SignCommand(h.ctx, s, cmd)
	if err != nil {
		h.t.Fatal(err)
	}
	return signed
}

func (h *hostHarness) encode(cmd models.Command) []byte {
	h.t.Helper()
	raw, err := json.Marshal(cmd)
	if err != nil {
		h.t.Fatal(err)
	}
	return raw
}

func (h *hostHarness) signed(cmd models.Command) []byte {
	return h.encode(h.sign(h.issuer, cmd))
}

// approve stores an authority-signed decision covering cmd and returns cmd
// carrying its id.
func (h *hostHarness) approve(cmd models.Command, d models.Decision, ttl time.Duration) models.Command {
	h.t.Helper()
	decided := h.clock()
	a := models.ApprovalRequest{
		ApprovalID:     uuid.NewString(),
		CommandRef:     cmd.CommandID,
		ActionID:       cmd.ActionID,
		TargetID:       cmd.TargetID,
		IncidentID:     cmd.IncidentID,
		RequestedBy:    cmd.IssuedByUserID,
		RequestedAt:    decided,
		ApproverUserID: "carol",
		ApproverRole:   "POLICY_MANAGER",
		Decision:       d,
		DecidedAt:      &decided,
		ExpiresAt:      decided.Add(ttl),
	}
	signed, err := auth.SignApproval(h.ctx, h.authority, a)
	if err != nil {
		h.t.Fatal(err)
	}
	h.approvals.mu.Lock()
	h.approvals.items[a.ApprovalID] = signed
	h.approvals.mu.Unlock()
	cmd.ApprovalID = a.ApprovalID
	return cmd
}

func (h *hostHarness) steps(commandID string) []string {
	var out []string
	for _, e := range h.sink.Filter(commandID) {
		out = append(out, e.Stage+":"+string(e.Outcome))
	}
	return out
}

func (h *hostHarness) verifyReceipt(r models.ExecutionReceipt) {
	h.t.Helper()
	v := auth.KeyStoreVerifier{Keys: auth.NewStaticKeyStore(record(h.agent, "agent"))}
	if _, err := auth.VerifyReceipt(h.ctx, v, r); err != nil {
		h.t.Fatalf("receipt signature: %v", err)
	}
}

func wantRejection(t *testing.T, r models.ExecutionReceipt, err error, code denial.Code, step string) {
	t.Helper()
	var derr *denial.Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected %s denial, got %v", code, err)
	}
	if derr.Code != code || derr.Stage != step {
		t.Fatalf("expected %s at %s, got %s at %s (%v)", code, step, derr.Code, derr.Stage, err)
	}
	if r.ReasonCode != string(code) || r.Signature == "" {
		t.Fatalf("receipt does not carry the rejection: %+v", r)
	}
}
