package models

import (
	"time"
)

// Mode is the global enforcement posture.
type Mode string

const (
	ModeDryRun      Mode = "DRY_RUN"
	ModeGuardedExec Mode = "GUARDED_EXEC"
	ModeFullEnforce Mode = "FULL_ENFORCE"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeDryRun, ModeGuardedExec, ModeFullEnforce:
		return true
	}
	return false
}

// EnforcementMode is one row of the mode store. Exactly one row is active.
type EnforcementMode struct {
	Value     Mode      `json:"value"`
	Version   int64     `json:"version"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
}

// PolicyDecision is the untrusted input produced by the correlation layer.
type PolicyDecision struct {
	IncidentID        string  `json:"incident_id"`
	RecommendedAction string  `json:"recommended_action"`
	TargetID          string  `json:"target_id"`
	Confidence        float64 `json:"confidence"`
	IdempotencyToken  string  `json:"idempotency_token,omitempty"`
}

type CommandKind string

const (
	KindExecute  CommandKind = "EXECUTE"
	KindRollback CommandKind = "ROLLBACK"
)

// Command is immutable once signed. Signature covers every field except
// Signature itself.
type Command struct {
	CommandID      string      `json:"command_id"`
	Kind           CommandKind `json:"kind"`
	ActionID       string      `json:"action_id"`
	TargetID       string      `json:"target_id"`
	IncidentID     string      `json:"incident_id"`
	IssuedByUserID string      `json:"issued_by_user_id"`
	IssuedByRole   string      `json:"issued_by_role"`
	ModeAtIssuance Mode        `json:"mode_at_issuance"`
	ApprovalID     string      `json:"approval_id,omitempty"`
	RollbackOf     string      `json:"rollback_of,omitempty"`
	IssuedAt       time.Time   `json:"issued_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	SigningKeyID   string      `json:"signing_key_id,omitempty"`
	Signature      string      `json:"signature,omitempty"`
}

type CommandStatus string

const (
	CommandSimulated        CommandStatus = "SIMULATED"
	CommandAwaitingApproval CommandStatus = "AWAITING_APPROVAL"
	CommandDenied           CommandStatus = "DENIED"
	CommandSigned           CommandStatus = "SIGNED"
	CommandDispatched       CommandStatus = "DISPATCHED"
	CommandSucceeded        CommandStatus = "SUCCEEDED"
	CommandFailed           CommandStatus = "FAILED"
)

// Unsigned reports whether no signature was ever produced for the command,
// so the same intent may be resubmitted under its id.
func (s CommandStatus) Unsigned() bool {
	switch s {
	case CommandSimulated, CommandAwaitingApproval, CommandDenied:
		return true
	}
	return false
}

// CommandRecord is the orchestrator's bookkeeping row for a command.
type CommandRecord struct {
	Command        Command       `json:"command"`
	Classification string        `json:"classification"`
	Status         CommandStatus `json:"status"`
	IdempotencyKey string        `json:"idempotency_key,omitempty"`
	Error          string        `json:"error,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type Decision string

const (
	DecisionPending Decision = "PENDING"
	DecisionAllow   Decision = "ALLOW"
	DecisionDeny    Decision = "DENY"
	DecisionExpired Decision = "EXPIRED"
)

// ApprovalRequest covers exactly one command (CommandRef); an approval for
// an original command never matches its rollback.
type ApprovalRequest struct {
	ApprovalID     string     `json:"approval_id"`
	CommandRef     string     `json:"command_ref"`
	ActionID       string     `json:"action_id"`
	TargetID       string     `json:"target_id"`
	IncidentID     string     `json:"incident_id"`
	RequestedBy    string     `json:"requested_by"`
	RequestedAt    time.Time  `json:"requested_at"`
	ApproverUserID string     `json:"approver_user_id,omitempty"`
	ApproverRole   string     `json:"approver_role,omitempty"`
	Decision       Decision   `json:"decision"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	SignedDecision string     `json:"signed_decision,omitempty"`
	DecisionKeyID  string     `json:"decision_key_id,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Version        int64      `json:"version"`
}

// Expired reports whether the approval window has closed at now.
func (a ApprovalRequest) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

type RollbackStatus string

const (
	RollbackPending  RollbackStatus = "PENDING"
	RollbackExecuted RollbackStatus = "EXECUTED"
	RollbackFailed   RollbackStatus = "FAILED"
	RollbackDenied   RollbackStatus = "DENIED"
)

// RollbackRecord exists before the original command is dispatched.
type RollbackRecord struct {
	RollbackID             string         `json:"rollback_id"`
	OriginalCommandID      string         `json:"original_command_id"`
	RollbackCommandID      string         `json:"rollback_command_id,omitempty"`
	CreatedBeforeExecution bool           `json:"created_before_execution"`
	Status                 RollbackStatus `json:"status"`
	RequiresApproval       bool           `json:"requires_approval"`
	Reason                 string         `json:"reason,omitempty"`
	Error                  string         `json:"error,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
)

// AuditEntry is one link of the hash chain. EntryHash covers every other field.
type AuditEntry struct {
	EntryID       string    `json:"entry_id"`
	Seq           int64     `json:"seq"`
	Stage         string    `json:"pipeline_stage"`
	Principal     string    `json:"principal"`
	ActionID      string    `json:"action_id,omitempty"`
	TargetID      string    `json:"target_id,omitempty"`
	IncidentID    string    `json:"incident_id,omitempty"`
	CommandID     string    `json:"command_id,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	Reason        string    `json:"reason"`
	Timestamp     time.Time `json:"timestamp"`
	PrevEntryHash string    `json:"prev_entry_hash"`
	EntryHash     string    `json:"entry_hash,omitempty"`
}

type ReceiptStatus string

const (
	ReceiptSucceeded ReceiptStatus = "SUCCEEDED"
	ReceiptFailed    ReceiptStatus = "FAILED"
	ReceiptRejected  ReceiptStatus = "REJECTED"
)

// ExecutionReceipt is returned by the host verifier for every command it sees.
type ExecutionReceipt struct {
	CommandID  string        `json:"command_id"`
	Status     ReceiptStatus `json:"status"`
	ExecutedAt time.Time     `json:"executed_at"`
	Error      string        `json:"error,omitempty"`
	ReasonCode string        `json:"reason_code,omitempty"`
	AgentKeyID string        `json:"agent_key_id,omitempty"`
	Signature  string        `json:"signature,omitempty"`
}
