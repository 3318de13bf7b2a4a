package verifier

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"ransomeye/pkg/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestExecExecutorRunsHandler(t *testing.T) {
	requireShell(t)
	e := &ExecExecutor{Handlers: map[string]Handler{
		"BLOCK_PROCESS": {
			Command:  []string{"/bin/sh", "-c", `echo "kill {target} for {incident}"; test -z "$HOME"`},
			Rollback: []string{"/bin/sh", "-c", "echo undo {rollback_of}"},
		},
	}}
	cmd := models.Command{CommandID: "c-1", Kind: models.KindExecute, ActionID: "BLOCK_PROCESS", TargetID: "pid-77", IncidentID: "inc-3"}
	out, err := e.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "kill pid-77 for inc-3" {
		t.Fatalf("unexpected output %q", out)
	}

	cmd.Kind, cmd.RollbackOf = models.KindRollback, "c-0"
	out, err = e.Execute(context.Background(), cmd)
	if err != nil || out != "undo c-0" {
		t.Fatalf("rollback: %q %v", out, err)
	}
}

func TestExecExecutorFailures(t *testing.T) {
	requireShell(t)
	e := &ExecExecutor{Handlers: map[string]Handler{
		"LOCK_USER":       {Command: []string{"/bin/sh", "-c", "echo no such user >&2; exit 3"}},
		"DISABLE_SERVICE": {Command: []string{"/bin/sh", "-c", "exec sleep 5"}, Timeout: 50 * time.Millisecond},
	}}
	ctx := context.Background()

	_, err := e.Execute(ctx, models.Command{ActionID: "LOCK_USER", Kind: models.KindExecute})
	if err == nil || !strings.Contains(err.Error(), "no such user") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
	if _, err := e.Execute(ctx, models.Command{ActionID: "LOCK_USER", Kind: models.KindRollback}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("missing rollback handler: %v", err)
	}
	if _, err := e.Execute(ctx, models.Command{ActionID: "ISOLATE_HOST", Kind: models.KindExecute}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("missing handler: %v", err)
	}
	start := time.Now()
	if _, err := e.Execute(ctx, models.Command{ActionID: "DISABLE_SERVICE", Kind: models.KindExecute}); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("handler timeout not enforced")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate(strings.Repeat("x", 600), 512); len(got) != 512 {
		t.Fatalf("len %d", len(got))
	}
	if truncate("short", 512) != "short" {
		t.Fatal("short strings unchanged")
	}
}
