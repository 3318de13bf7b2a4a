// Package stream fans sealed audit entries out to live subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"ransomeye/pkg/models"
)

const (
	EventReady = "ready"
	EventAudit = "audit"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// AuditEvent wraps one sealed entry.
func AuditEvent(e models.AuditEntry) Event {
	evt := NewEvent(EventAudit, e)
	evt.Seq = e.Seq
	return evt
}

// Hub never blocks a publisher: a subscriber whose buffer is full misses
// the event and the drop is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Broadcast(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Publish makes the hub an audit.Publisher.
func (h *Hub) Publish(e models.AuditEntry) {
	h.Broadcast(AuditEvent(e))
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
