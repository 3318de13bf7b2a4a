package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/httpx"
	"ransomeye/pkg/models"
	"ransomeye/pkg/pipeline"
	"ransomeye/pkg/rbac"
)

// serviceCaller marks requests authenticated by the service token, so a
// bearer token cannot claim the service identity through its roles.
type serviceCaller struct{}

func isService(r *http.Request) bool {
	v, _ := r.Context().Value(serviceCaller{}).(bool)
	return v
}

type executeRequest struct {
	models.PolicyDecision
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type rollbackRequest struct {
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type setModeRequest struct {
	Mode            models.Mode `json:"mode"`
	ExpectedVersion int64       `json:"expected_version,omitempty"`
	Reason          string      `json:"reason"`
}

type decideRequest struct {
	Decision models.Decision `json:"decision"`
	Reason   string          `json:"reason"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := s.Pipeline.Execute(r.Context(), pipeline.Request{Principal: p, Decision: req.PolicyDecision, ExpiresAt: req.ExpiresAt})
	writeResult(w, res, err)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	res, err := s.Pipeline.Rollback(r.Context(), pipeline.RollbackRequest{
		CommandID: chi.URLParam(r, "id"),
		Principal: p,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	writeResult(w, res, err)
}

// writeResult renders a pipeline result. Denials keep the partial result so
// a caller sees the approval id or the receipt that caused them.
func writeResult(w http.ResponseWriter, res pipeline.Result, err error) {
	if err == nil {
		httpx.WriteJSON(w, http.StatusOK, res)
		return
	}
	var d *denial.Error
	if !errors.As(err, &d) {
		log.Printf("pipeline error command=%s: %v", res.Command.CommandID, err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	body := map[string]interface{}{
		"error":  d.Error(),
		"code":   d.Code,
		"stage":  d.Stage,
		"reason": d.Reason,
		"result": res,
	}
	if d.ApprovalID != "" {
		body["approval_id"] = d.ApprovalID
	}
	httpx.WriteJSON(w, denial.HTTPStatus(d.Code), body)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Pipeline.Command(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetRollback(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Rollbacks.ForCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	m, err := s.Modes.Active(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	m, err := s.Modes.Set(r.Context(), req.Mode, p, req.ExpectedVersion, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (s *Server) handleModeHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", 50)
	if !ok {
		return
	}
	history, err := s.Modes.History(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": history})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && status != string(models.DecisionPending) {
		httpx.Error(w, http.StatusBadRequest, "only status=PENDING can be listed")
		return
	}
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return
	}
	items, err := s.Approvals.ListPending(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := httpx.DecodeJSON(r, s.MaxRequestBodyBytes, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	a, err := s.Approvals.Decide(r.Context(), chi.URLParam(r, "id"), req.Decision, p, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	after, ok := queryInt(w, r, "after_seq", 0)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", 100)
	if !ok {
		return
	}
	entries, err := s.Audit.List(r.Context(), int64(after), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if commandID := strings.TrimSpace(r.URL.Query().Get("command_id")); commandID != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.CommandID == commandID {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"items": entries})
}

// handleVerifyAudit walks the whole chain page by page.
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	head := audit.Head{}
	count := 0
	for {
		page, err := s.Audit.List(r.Context(), head.Seq, 1000)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(page) == 0 {
			break
		}
		if err := audit.VerifyChain(head, page); err != nil {
			httpx.WriteJSON(w, http.StatusConflict, map[string]interface{}{
				"valid":    false,
				"verified": count,
				"error":    err.Error(),
			})
			return
		}
		count += len(page)
		last := page[len(page)-1]
		head = audit.Head{Seq: last.Seq, Hash: last.EntryHash}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"valid":     true,
		"verified":  count,
		"head_seq":  head.Seq,
		"head_hash": head.Hash,
	})
}

func (s *Server) handleKeys(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"keys": s.Keys})
}

func writeError(w http.ResponseWriter, err error) {
	if denial.CodeOf(err) == "" {
		log.Printf("orchestrator request failed: %v", err)
	}
	httpx.WriteDenial(w, err)
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httpx.Error(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// serviceOrAuth lets agents in with the shared service token; everyone else
// goes through bearer auth.
func (s *Server) serviceOrAuth(authMw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.ServiceToken != "" && auth.ServiceTokenValid(r.Header.Get("X-Service-Token"), s.ServiceToken) {
				ctx := context.WithValue(r.Context(), serviceCaller{}, true)
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, auth.Principal{Subject: "service"})))
				return
			}
			authMw(next).ServeHTTP(w, r)
		})
	}
}

// withPrincipal only requires an authenticated caller. The component behind
// it authorizes and audits the attempt itself.
func (s *Server) withPrincipal(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || strings.TrimSpace(p.Subject) == "" {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if isService(r) {
			httpx.Error(w, http.StatusForbidden, "service principal may not act")
			return
		}
		h(w, r)
	}
}

func (s *Server) withPermission(h http.HandlerFunc, perm rbac.Permission, allowService bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if allowService && isService(r) {
			h(w, r)
			return
		}
		if !rbac.Has(p, perm) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
