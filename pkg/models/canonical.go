package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
)

// Canonicalize encodes v as RFC 8785 JSON so that signer and verifier hash
// identical bytes regardless of field order or whitespace.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return CanonicalizeJSON(raw)
}

func CanonicalizeJSON(raw []byte) ([]byte, error) {
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CommandSigningBytes is the payload the orchestrator signs and the host
// verifier recomputes. The key id is bound into the payload.
func CommandSigningBytes(cmd Command) ([]byte, error) {
	cmd.Signature = ""
	return Canonicalize(cmd)
}

// ApprovalSigningBytes binds a decision to the exact command it covers.
func ApprovalSigningBytes(a ApprovalRequest) ([]byte, error) {
	binding := struct {
		ApprovalID     string    `json:"approval_id"`
		CommandRef     string    `json:"command_ref"`
		ActionID       string    `json:"action_id"`
		TargetID       string    `json:"target_id"`
		IncidentID     string    `json:"incident_id"`
		Decision       Decision  `json:"decision"`
		ApproverUserID string    `json:"approver_user_id"`
		ApproverRole   string    `json:"approver_role"`
		DecidedAt      string    `json:"decided_at"`
		ExpiresAt      time.Time `json:"expires_at"`
		DecisionKeyID  string    `json:"decision_key_id"`
	}{
		ApprovalID:     a.ApprovalID,
		CommandRef:     a.CommandRef,
		ActionID:       a.ActionID,
		TargetID:       a.TargetID,
		IncidentID:     a.IncidentID,
		Decision:       a.Decision,
		ApproverUserID: a.ApproverUserID,
		ApproverRole:   a.ApproverRole,
		ExpiresAt:      a.ExpiresAt.UTC(),
		DecisionKeyID:  a.DecisionKeyID,
	}
	if a.DecidedAt != nil {
		binding.DecidedAt = a.DecidedAt.UTC().Format(time.RFC3339Nano)
	}
	return Canonicalize(binding)
}

func ReceiptSigningBytes(r ExecutionReceipt) ([]byte, error) {
	r.Signature = ""
	return Canonicalize(r)
}

// AuditHashBytes is the canonical form hashed into EntryHash.
func AuditHashBytes(e AuditEntry) ([]byte, error) {
	e.EntryHash = ""
	return Canonicalize(e)
}

func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey binds a logical action (kind, action, target, incident)
// plus an optional caller token, so a retried decision is recognised even
// though each attempt would otherwise mint a fresh command id. Callers that
// mean to repeat an identical action pass a new token.
func IdempotencyKey(kind CommandKind, actionID, targetID, incidentID, token string) string {
	token = strings.TrimSpace(token)
	parts := []string{string(kind), actionID, targetID, incidentID, token}
	return SHA256Hex([]byte(strings.Join(parts, "\x1f")))
}

// Timestamp normalises a time for signed payloads: UTC, whole seconds.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
