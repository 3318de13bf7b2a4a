// Package denial defines the terminal failure taxonomy shared by the
// orchestrator, the approval authority and the host verifier.
package denial

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	PermissionDenied Code = "PERMISSION_DENIED"
	ModeBlocked      Code = "MODE_BLOCKED"
	ApprovalRequired Code = "APPROVAL_REQUIRED"
	ApprovalDenied   Code = "APPROVAL_DENIED"
	ApprovalExpired  Code = "APPROVAL_EXPIRED"
	UnknownAction    Code = "UNKNOWN_ACTION"
	SchemaInvalid    Code = "SCHEMA_INVALID"
	Stale            Code = "STALE"
	Expired          Code = "EXPIRED"
	SignatureInvalid Code = "SIGNATURE_INVALID"
	IssuerMismatch   Code = "ISSUER_MISMATCH"
	ReplayDetected   Code = "REPLAY_DETECTED"
	ExecutionFailed  Code = "EXECUTION_FAILED"
	RollbackFailed   Code = "ROLLBACK_FAILED"

	RateLimited      Code = "RATE_LIMITED"
	ModeConflict     Code = "MODE_CONFLICT"
	DecisionConflict Code = "DECISION_CONFLICT"
	NotFound         Code = "NOT_FOUND"
)

// Error is a terminal, audited failure. Stage names the gate that refused.
type Error struct {
	Stage      string
	Code       Code
	Reason     string
	ApprovalID string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so callers can write errors.Is(err, denial.ErrModeBlocked).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

func New(stage string, code Code, format string, args ...any) *Error {
	return &Error{Stage: stage, Code: code, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(stage string, code Code, err error) *Error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// CodeOf returns the code carried by err, or "" when err is not a denial.
func CodeOf(err error) Code {
	var d *Error
	if errors.As(err, &d) && d != nil {
		return d.Code
	}
	return ""
}

var (
	ErrPermissionDenied = &Error{Code: PermissionDenied}
	ErrModeBlocked      = &Error{Code: ModeBlocked}
	ErrApprovalRequired = &Error{Code: ApprovalRequired}
	ErrApprovalDenied   = &Error{Code: ApprovalDenied}
	ErrApprovalExpired  = &Error{Code: ApprovalExpired}
	ErrUnknownAction    = &Error{Code: UnknownAction}
	ErrSchemaInvalid    = &Error{Code: SchemaInvalid}
	ErrStale            = &Error{Code: Stale}
	ErrExpired          = &Error{Code: Expired}
	ErrSignatureInvalid = &Error{Code: SignatureInvalid}
	ErrIssuerMismatch   = &Error{Code: IssuerMismatch}
	ErrReplayDetected   = &Error{Code: ReplayDetected}
	ErrExecutionFailed  = &Error{Code: ExecutionFailed}
	ErrRollbackFailed   = &Error{Code: RollbackFailed}
	ErrRateLimited      = &Error{Code: RateLimited}
	ErrModeConflict     = &Error{Code: ModeConflict}
	ErrDecisionConflict = &Error{Code: DecisionConflict}
	ErrNotFound         = &Error{Code: NotFound}
)

// HTTPStatus maps a code to the status used by the HTTP surfaces.
func HTTPStatus(code Code) int {
	switch code {
	case PermissionDenied, ModeBlocked, RateLimited:
		return http.StatusForbidden
	case ApprovalRequired, ApprovalDenied, ApprovalExpired, ReplayDetected, ModeConflict, DecisionConflict:
		return http.StatusConflict
	case UnknownAction, SchemaInvalid:
		return http.StatusBadRequest
	case SignatureInvalid, IssuerMismatch:
		return http.StatusUnauthorized
	case Stale, Expired:
		return http.StatusGone
	case ExecutionFailed:
		return http.StatusBadGateway
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ReasonOf returns the reason carried by a denial, or err's text.
func ReasonOf(err error) string {
	var d *Error
	if errors.As(err, &d) && d != nil && d.Reason != "" {
		return d.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
