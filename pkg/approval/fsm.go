// Package approval is the human authority for DESTRUCTIVE commands. An
// approval covers exactly one command_ref and moves out of PENDING once.
package approval

import (
	"errors"
	"strings"
	"time"

	"ransomeye/pkg/models"
)

var (
	ErrInvalidTransition = errors.New("invalid approval transition")
	ErrSoDViolation      = errors.New("approver violates separation of duties")
	ErrApproverRole      = errors.New("approver role not permitted")
)

func CanTransition(from, to models.Decision) bool {
	if from != models.DecisionPending {
		return false
	}
	switch to {
	case models.DecisionAllow, models.DecisionDeny, models.DecisionExpired:
		return true
	}
	return false
}

func Transition(from, to models.Decision) (models.Decision, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func IsTerminal(d models.Decision) bool {
	return d == models.DecisionAllow || d == models.DecisionDeny || d == models.DecisionExpired
}

// Policy governs who may decide and how long a request stays open.
type Policy struct {
	Roles      []string
	EnforceSoD bool
	TTL        time.Duration
}

func DefaultPolicy() Policy {
	return Policy{EnforceSoD: true, TTL: 24 * time.Hour}
}

// ApproverAllowed applies separation of duties and the optional role list.
func ApproverAllowed(approver, requester string, approverRoles []string, policy Policy) error {
	if policy.EnforceSoD && approver != "" && requester != "" && strings.EqualFold(approver, requester) {
		return ErrSoDViolation
	}
	if len(policy.Roles) == 0 {
		return nil
	}
	allowed := map[string]struct{}{}
	for _, r := range policy.Roles {
		if r = strings.ToUpper(strings.TrimSpace(r)); r != "" {
			allowed[r] = struct{}{}
		}
	}
	for _, r := range approverRoles {
		if _, ok := allowed[strings.ToUpper(strings.TrimSpace(r))]; ok {
			return nil
		}
	}
	return ErrApproverRole
}
