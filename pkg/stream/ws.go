package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"ransomeye/pkg/audit"
	"ransomeye/pkg/httpx"
)

// Handler serves the audit stream over a websocket. A client may pass
// after_seq to receive the backlog first and command_id to filter.
type Handler struct {
	Hub            *Hub
	Backlog        audit.Lister
	OriginPatterns []string
	WriteTimeout   time.Duration
}

const backlogLimit = 1000

func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	var afterSeq int64 = -1
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			httpx.Error(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
			return
		}
		afterSeq = n
	}
	commandID := strings.TrimSpace(r.URL.Query().Get("command_id"))

	opts := &websocket.AcceptOptions{}
	if len(s.OriginPatterns) > 0 {
		opts.OriginPatterns = s.OriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Subscribe before reading the backlog so nothing sealed in between is lost.
	sub := s.Hub.Subscribe(64)
	defer s.Hub.Unsubscribe(sub)

	writeTimeout := s.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	write := func(evt Event) bool {
		writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
		defer cancelWrite()
		if err := wsjson.Write(writeCtx, conn, evt); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
			return false
		}
		return true
	}
	if !write(NewEvent(EventReady, nil)) {
		return
	}

	lastSeq := int64(0)
	if afterSeq >= 0 && s.Backlog != nil {
		entries, err := s.Backlog.List(ctx, afterSeq, backlogLimit)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "backlog_failed")
			return
		}
		for _, e := range entries {
			lastSeq = e.Seq
			if commandID != "" && e.CommandID != commandID {
				continue
			}
			if !write(AuditEvent(e)) {
				return
			}
		}
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			if evt.Seq != 0 && evt.Seq <= lastSeq {
				continue
			}
			if commandID != "" && !matchesCommand(evt, commandID) {
				continue
			}
			if !write(evt) {
				return
			}
		}
	}
}

func matchesCommand(evt Event, commandID string) bool {
	if evt.Type != EventAudit {
		return true
	}
	var head struct {
		CommandID string `json:"command_id"`
	}
	return json.Unmarshal(evt.Data, &head) == nil && head.CommandID == commandID
}
