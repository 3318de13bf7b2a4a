// Package dispatch carries signed commands to host agents. It makes no
// trust decisions; the agent re-verifies everything.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ransomeye/pkg/auth"
	"ransomeye/pkg/httpx"
	"ransomeye/pkg/models"
	"ransomeye/pkg/telemetry"
)

var (
	ErrUnknownTarget  = errors.New("no agent endpoint for target")
	ErrReceiptInvalid = errors.New("agent receipt invalid")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, cmd models.Command) (models.ExecutionReceipt, error)
}

type Func func(ctx context.Context, cmd models.Command) (models.ExecutionReceipt, error)

func (f Func) Dispatch(ctx context.Context, cmd models.Command) (models.ExecutionReceipt, error) {
	return f(ctx, cmd)
}

// Targets resolves a target id to the base URL of its agent. Explicit
// entries win over the template; "{target}" in the template is replaced by
// the path-escaped target id.
type Targets struct {
	Static   map[string]string
	Template string
}

func (t Targets) Resolve(targetID string) (string, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return "", ErrUnknownTarget
	}
	if u, ok := t.Static[targetID]; ok {
		return strings.TrimRight(u, "/"), nil
	}
	if t.Template == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return strings.TrimRight(strings.ReplaceAll(t.Template, "{target}", url.PathEscape(targetID)), "/"), nil
}

// HTTPDispatcher posts the command to <agent>/v1/commands once and decodes
// the receipt. When Receipts is set the agent's signature is checked.
type HTTPDispatcher struct {
	Client       *http.Client
	Targets      Targets
	Receipts     auth.Verifier
	ServiceToken string
}

func NewHTTPDispatcher(targets Targets, timeout time.Duration, receipts auth.Verifier, serviceToken string) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		Client:       telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
		Targets:      targets,
		Receipts:     receipts,
		ServiceToken: serviceToken,
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, cmd models.Command) (models.ExecutionReceipt, error) {
	base, err := d.Targets.Resolve(cmd.TargetID)
	if err != nil {
		return models.ExecutionReceipt{}, err
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return models.ExecutionReceipt{}, err
	}
	headers := map[string]string{}
	if d.ServiceToken != "" {
		headers["X-Service-Token"] = d.ServiceToken
	}
	status, raw, err := httpx.DoJSON(ctx, d.Client, http.MethodPost, base+"/v1/commands", body, headers)
	if err != nil {
		return models.ExecutionReceipt{}, fmt.Errorf("dispatch %s: %w", cmd.CommandID, err)
	}
	var receipt models.ExecutionReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil || receipt.CommandID == "" {
		return models.ExecutionReceipt{}, fmt.Errorf("dispatch %s: agent status %d without receipt", cmd.CommandID, status)
	}
	if receipt.CommandID != cmd.CommandID {
		return models.ExecutionReceipt{}, fmt.Errorf("%w: receipt for %s, sent %s", ErrReceiptInvalid, receipt.CommandID, cmd.CommandID)
	}
	switch receipt.Status {
	case models.ReceiptSucceeded, models.ReceiptFailed, models.ReceiptRejected:
	default:
		return models.ExecutionReceipt{}, fmt.Errorf("%w: status %q", ErrReceiptInvalid, receipt.Status)
	}
	if d.Receipts != nil {
		if _, err := auth.VerifyReceipt(ctx, d.Receipts, receipt); err != nil {
			return models.ExecutionReceipt{}, fmt.Errorf("%w: %v", ErrReceiptInvalid, err)
		}
	}
	return receipt, nil
}
