// Package rbac maps roles to the permissions the command authority checks.
package rbac

import (
	"strings"

	"ransomeye/pkg/actions"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/models"
)

type Permission string

const (
	Execute            Permission = "tre:execute"
	ExecuteDestructive Permission = "tre:execute_destructive"
	Rollback           Permission = "tre:rollback"
	ModeChange         Permission = "tre:mode_change"
	Approve            Permission = "haf:approve"
	AuditRead          Permission = "audit:read"
)

const (
	RoleSuperAdmin      = "SUPER_ADMIN"
	RoleSecurityAnalyst = "SECURITY_ANALYST"
	RolePolicyManager   = "POLICY_MANAGER"
	RoleITAdmin         = "IT_ADMIN"
	RoleAuditor         = "AUDITOR"
)

var grants = map[string]map[Permission]struct{}{
	RoleSuperAdmin:      set(Execute, ExecuteDestructive, Rollback, ModeChange, Approve, AuditRead),
	RoleSecurityAnalyst: set(Execute, ExecuteDestructive, Rollback, Approve, AuditRead),
	RolePolicyManager:   set(Approve, AuditRead),
	RoleITAdmin:         set(AuditRead),
	RoleAuditor:         set(AuditRead),
}

func set(perms ...Permission) map[Permission]struct{} {
	out := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		out[p] = struct{}{}
	}
	return out
}

func normalizeRole(role string) string {
	return strings.ToUpper(strings.TrimSpace(role))
}

// KnownRole reports whether role appears in the grant table.
func KnownRole(role string) bool {
	_, ok := grants[normalizeRole(role)]
	return ok
}

// RoleHas reports whether a single role holds perm. Unknown roles hold nothing.
func RoleHas(role string, perm Permission) bool {
	perms, ok := grants[normalizeRole(role)]
	if !ok {
		return false
	}
	_, ok = perms[perm]
	return ok
}

// Has reports whether any of the principal's roles holds perm.
func Has(p auth.Principal, perm Permission) bool {
	for _, r := range p.Roles {
		if RoleHas(r, perm) {
			return true
		}
	}
	return false
}

// RoleFor returns the first role of p that grants perm.
func RoleFor(p auth.Principal, perm Permission) (string, bool) {
	for _, r := range p.Roles {
		if RoleHas(r, perm) {
			return normalizeRole(r), true
		}
	}
	return "", false
}

// Authorize returns a PermissionDenied error for stage unless p holds perm.
func Authorize(stage string, p auth.Principal, perm Permission) error {
	if strings.TrimSpace(p.Subject) == "" {
		return denial.New(stage, denial.PermissionDenied, "principal required")
	}
	if !Has(p, perm) {
		return denial.New(stage, denial.PermissionDenied, "%s lacks %s", p.Subject, perm)
	}
	return nil
}

// RequiredFor is the permission needed to issue a command of kind for an
// action of class.
func RequiredFor(kind models.CommandKind, class actions.Class) Permission {
	if kind == models.KindRollback {
		return Rollback
	}
	if class.IsDestructive() {
		return ExecuteDestructive
	}
	return Execute
}

// CanIssue is the host-side check: may a command carrying role be issued for
// this kind and action?
func CanIssue(role string, kind models.CommandKind, actionID string) error {
	def, err := actions.Classify(actionID)
	if err != nil {
		return err
	}
	if !KnownRole(role) {
		return denial.New("RBAC", denial.PermissionDenied, "unknown role %q", role)
	}
	perm := RequiredFor(kind, def.Class)
	if !RoleHas(role, perm) {
		return denial.New("RBAC", denial.PermissionDenied, "role %s cannot issue %s (%s)", normalizeRole(role), def.ID, perm)
	}
	return nil
}
