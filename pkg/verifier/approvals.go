package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ransomeye/pkg/httpx"
	"ransomeye/pkg/models"
	"ransomeye/pkg/store"
)

var ErrApprovalUnknown = errors.New("approval not known to authority")

// ApprovalSource resolves an approval id to its current decision.
type ApprovalSource interface {
	Lookup(ctx context.Context, approvalID string) (models.ApprovalRequest, error)
}

// HTTPApprovalSource asks the orchestrator's approval authority.
type HTTPApprovalSource struct {
	Client       *http.Client
	BaseURL      string
	ServiceToken string
}

func (s *HTTPApprovalSource) Lookup(ctx context.Context, approvalID string) (models.ApprovalRequest, error) {
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		return models.ApprovalRequest{}, errors.New("authority url not configured")
	}
	headers := map[string]string{}
	if s.ServiceToken != "" {
		headers["X-Service-Token"] = s.ServiceToken
	}
	status, raw, err := httpx.DoJSON(ctx, s.Client, http.MethodGet, base+"/v1/approvals/"+url.PathEscape(approvalID), nil, headers)
	if err != nil {
		return models.ApprovalRequest{}, err
	}
	switch {
	case status == http.StatusNotFound:
		return models.ApprovalRequest{}, ErrApprovalUnknown
	case status != http.StatusOK:
		return models.ApprovalRequest{}, fmt.Errorf("authority status %d", status)
	}
	var a models.ApprovalRequest
	if err := json.Unmarshal(raw, &a); err != nil {
		return models.ApprovalRequest{}, fmt.Errorf("decode approval: %w", err)
	}
	return a, nil
}

// CachedApprovals remembers decided approvals until their own expiry, so a
// short authority outage does not block commands already approved. Pending
// approvals are never cached.
type CachedApprovals struct {
	Source ApprovalSource
	Cache  store.Cache
	Prefix string
	now    func() time.Time
}

func NewCachedApprovals(src ApprovalSource, cache store.Cache) *CachedApprovals {
	return &CachedApprovals{Source: src, Cache: cache, Prefix: "approval:", now: time.Now}
}

func (c *CachedApprovals) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *CachedApprovals) Lookup(ctx context.Context, approvalID string) (models.ApprovalRequest, error) {
	key := c.Prefix + approvalID
	if c.Cache != nil {
		if raw, err := c.Cache.Get(ctx, key); err == nil {
			var a models.ApprovalRequest
			if json.Unmarshal([]byte(raw), &a) == nil && !a.Expired(c.clock()) {
				return a, nil
			}
		}
	}
	a, err := c.Source.Lookup(ctx, approvalID)
	if err != nil {
		return a, err
	}
	if c.Cache != nil && (a.Decision == models.DecisionAllow || a.Decision == models.DecisionDeny) {
		if ttl := a.ExpiresAt.Sub(c.clock()); ttl > 0 {
			if raw, err := json.Marshal(a); err == nil {
				_ = c.Cache.Set(ctx, key, string(raw), ttl)
			}
		}
	}
	return a, nil
}
