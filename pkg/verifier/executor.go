package verifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"ransomeye/pkg/models"
)

const defaultHandlerTimeout = 30 * time.Second

// Executor performs a verified command on the host. The returned detail is
// recorded in the local audit.
type Executor interface {
	Execute(ctx context.Context, cmd models.Command) (string, error)
}

type ExecutorFunc func(ctx context.Context, cmd models.Command) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd models.Command) (string, error) {
	return f(ctx, cmd)
}

var ErrNoHandler = errors.New("no handler configured for action")

// Handler runs an external program for one action. Argument templates may
// use {target}, {incident}, {command_id}, {action} and {rollback_of}.
type Handler struct {
	Command  []string      `yaml:"command"`
	Rollback []string      `yaml:"rollback"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ExecExecutor maps action ids to handlers. The child gets no inherited
// environment beyond PATH.
type ExecExecutor struct {
	Handlers map[string]Handler
	Path     string
}

func (e *ExecExecutor) Execute(ctx context.Context, cmd models.Command) (string, error) {
	h, ok := e.Handlers[cmd.ActionID]
	if !ok {
		return "", fmt.Errorf("%w %s", ErrNoHandler, cmd.ActionID)
	}
	argv := h.Command
	if cmd.Kind == models.KindRollback {
		argv = h.Rollback
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("%w %s (%s)", ErrNoHandler, cmd.ActionID, cmd.Kind)
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := expandArgs(argv, cmd)
	// #nosec G204 -- argv comes from the operator's agent config.
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	path := e.Path
	if path == "" {
		path = "/usr/sbin:/usr/bin:/sbin:/bin"
	}
	c.Env = []string{"PATH=" + path}
	c.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	if err := c.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", args[0], truncate(msg, 512))
	}
	return truncate(strings.TrimSpace(stdout.String()), 512), nil
}

func expandArgs(argv []string, cmd models.Command) []string {
	r := strings.NewReplacer(
		"{target}", cmd.TargetID,
		"{incident}", cmd.IncidentID,
		"{command_id}", cmd.CommandID,
		"{action}", cmd.ActionID,
		"{rollback_of}", cmd.RollbackOf,
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
