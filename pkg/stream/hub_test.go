package stream

import (
	"encoding/json"
	"testing"
	"time"

	"ransomeye/pkg/models"
)

func TestAuditEventCarriesEntry(t *testing.T) {
	t.Parallel()

	evt := AuditEvent(models.AuditEntry{Seq: 7, Stage: "DISPATCH", CommandID: "c-1", Outcome: models.OutcomeAllow})
	if evt.Type != EventAudit || evt.Seq != 7 || evt.At == "" {
		t.Fatalf("unexpected event %+v", evt)
	}
	var e models.AuditEntry
	if err := json.Unmarshal(evt.Data, &e); err != nil || e.CommandID != "c-1" {
		t.Fatalf("payload %+v %v", e, err)
	}
}

func TestPublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(models.AuditEntry{Seq: 1, Stage: "MODE"})

	select {
	case evt := <-ch:
		if evt.Seq != 1 {
			t.Fatalf("expected seq 1, got %d", evt.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if h.Subscribers() != 0 {
		t.Fatal("subscriber not removed")
	}
}

func TestSlowSubscriberDropsAndCounts(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	h.Broadcast(NewEvent("first", nil))
	h.Broadcast(NewEvent("second", nil))

	if evt := <-ch; evt.Type != "first" {
		t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("dropped = %d", h.Dropped())
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
