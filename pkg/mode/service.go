package mode

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
)

// StageModeChange is the audit stage of every set attempt.
const StageModeChange = "MODE_CHANGE"

// Default is the posture written at first boot.
const Default = models.ModeDryRun

// Service is the only writer of the mode store.
type Service struct {
	Store Store
	Audit audit.Sink
	Logf  func(format string, args ...any)
	now   func() time.Time
}

func NewService(store Store, sink audit.Sink) *Service {
	return &Service{Store: store, Audit: sink, Logf: log.Printf, now: time.Now}
}

func (s *Service) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

// Active returns a snapshot of the active mode, creating the DRY_RUN default
// when the store is empty.
func (s *Service) Active(ctx context.Context) (models.EnforcementMode, error) {
	m, err := s.Store.Active(ctx)
	if errors.Is(err, ErrNoActiveMode) {
		m, err = s.Store.Bootstrap(ctx, models.EnforcementMode{
			Value:     Default,
			Version:   1,
			ChangedBy: "system",
			ChangedAt: models.Timestamp(s.clock()),
			Reason:    "initial boot",
		})
		if err == nil {
			s.logf("mode bootstrap value=%s version=%d", m.Value, m.Version)
		}
	}
	return m, err
}

// Set changes the active mode. expectedVersion 0 means whatever is active
// now. Every attempt is audited, allowed or not.
func (s *Service) Set(ctx context.Context, next models.Mode, p auth.Principal, expectedVersion int64, reason string) (models.EnforcementMode, error) {
	next = models.Mode(strings.ToUpper(strings.TrimSpace(string(next))))
	deny := func(derr *denial.Error) (models.EnforcementMode, error) {
		if _, err := s.Audit.Append(ctx, models.AuditEntry{
			Stage:     StageModeChange,
			Principal: p.Subject,
			Outcome:   models.OutcomeDeny,
			Reason:    fmt.Sprintf("%s: %s", derr.Code, derr.Reason),
		}); err != nil {
			return models.EnforcementMode{}, fmt.Errorf("audit mode denial: %w", err)
		}
		s.logf("mode change denied principal=%s target=%s code=%s", p.Subject, next, derr.Code)
		return models.EnforcementMode{}, derr
	}

	if err := rbac.Authorize(StageModeChange, p, rbac.ModeChange); err != nil {
		var derr *denial.Error
		errors.As(err, &derr)
		return deny(derr)
	}
	if !next.Valid() {
		return deny(denial.New(StageModeChange, denial.SchemaInvalid, "unknown mode %q", next))
	}
	current, err := s.Active(ctx)
	if err != nil {
		return models.EnforcementMode{}, err
	}
	if expectedVersion == 0 {
		expectedVersion = current.Version
	}
	role, _ := rbac.RoleFor(p, rbac.ModeChange)
	updated, err := s.Store.Swap(ctx, expectedVersion, models.EnforcementMode{
		Value:     next,
		ChangedBy: p.Subject,
		ChangedAt: models.Timestamp(s.clock()),
		Reason:    reason,
	})
	if errors.Is(err, ErrVersionConflict) {
		return deny(denial.New(StageModeChange, denial.ModeConflict, "expected version %d, active is newer", expectedVersion))
	}
	if err != nil {
		return models.EnforcementMode{}, err
	}
	if _, err := s.Audit.Append(ctx, models.AuditEntry{
		Stage:     StageModeChange,
		Principal: p.Subject,
		Outcome:   models.OutcomeAllow,
		Reason:    strings.TrimSpace(fmt.Sprintf("%s -> %s (v%d, role %s) %s", current.Value, updated.Value, updated.Version, role, reason)),
	}); err != nil {
		return models.EnforcementMode{}, fmt.Errorf("audit mode change: %w", err)
	}
	s.logf("mode changed principal=%s from=%s to=%s version=%d", p.Subject, current.Value, updated.Value, updated.Version)
	return updated, nil
}

func (s *Service) History(ctx context.Context, limit int) ([]models.EnforcementMode, error) {
	return s.Store.History(ctx, limit)
}
