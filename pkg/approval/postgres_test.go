package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"ransomeye/internal/pgxfake"
	"ransomeye/pkg/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func approvalRow(id, ref string, decision models.Decision, version int64) []any {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []any{id, ref, "ISOLATE_HOST", "host-7", "inc-1", "ana", ts, "", "", string(decision), nil, "", "", "", ts.Add(time.Hour), version}
}

func TestPostgresUpdateIsCompareAndSwap(t *testing.T) {
	db := &pgxfake.DB{
		ExecFn: func(sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		},
	}
	store := NewPostgresStore(db)
	_, err := store.Update(context.Background(), 1, models.ApprovalRequest{ApprovalID: "a1", Decision: models.DecisionAllow})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	call, _ := db.Last("UPDATE approval_requests")
	if call.Args[8] != int64(1) {
		t.Fatalf("expected version guard, got %v", call.Args)
	}

	db.ExecFn = nil
	updated, err := store.Update(context.Background(), 1, models.ApprovalRequest{ApprovalID: "a1", Decision: models.DecisionAllow})
	if err != nil || updated.Version != 2 {
		t.Fatalf("unexpected update %+v %v", updated, err)
	}
}

func TestPostgresCreateDuplicatePendingReturnsExisting(t *testing.T) {
	db := &pgxfake.DB{
		ExecFn: func(sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		},
		QueryRowFn: func(sql string, args ...any) pgx.Row {
			return pgxfake.Row{Values: approvalRow("existing", "cmd-1", models.DecisionPending, 1)}
		},
	}
	got, err := NewPostgresStore(db).Create(context.Background(), models.ApprovalRequest{ApprovalID: "new", CommandRef: "cmd-1"})
	if !errors.Is(err, ErrConflict) || got.ApprovalID != "existing" {
		t.Fatalf("expected existing pending approval, got %+v %v", got, err)
	}
}

func TestPostgresGetAndLists(t *testing.T) {
	decided := approvalRow("a2", "cmd-2", models.DecisionDeny, 2)
	when := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	decided[10] = &when
	db := &pgxfake.DB{
		QueryRowFn: func(sql string, args ...any) pgx.Row { return pgxfake.Row{Values: decided} },
		QueryFn: func(sql string, args ...any) (pgx.Rows, error) {
			return &pgxfake.Rows{Data: [][]any{approvalRow("a3", "cmd-3", models.DecisionPending, 1)}}, nil
		},
	}
	store := NewPostgresStore(db)
	a, err := store.Get(context.Background(), "a2")
	if err != nil || a.Decision != models.DecisionDeny || a.DecidedAt == nil || !a.DecidedAt.Equal(when) {
		t.Fatalf("unexpected approval %+v %v", a, err)
	}
	due, err := store.DuePending(context.Background(), when, 0)
	if err != nil || len(due) != 1 || due[0].ApprovalID != "a3" {
		t.Fatalf("unexpected due list %+v %v", due, err)
	}
	call, _ := db.Last("expires_at <=")
	if call.Args[1] != 500 {
		t.Fatalf("expected clamped limit, got %v", call.Args)
	}
	if _, err := NewPostgresStore(&pgxfake.DB{}).Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
