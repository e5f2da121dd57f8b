package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/auth"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// handleAdminRouter dispatches /v1/admin/plans/{id}/{action}. The
// admin role is required at the route level; the admin service then
// checks the configured administrative identity itself, so a token
// with the role but the wrong subject still gets 403.
func (s *Server) handleAdminRouter(w http.ResponseWriter, r *http.Request) {
	id, action, ok := planPath(r.URL.Path, "/v1/admin/plans/")
	if !ok || action == "" {
		api.WriteNotFound(w, "no such route")
		return
	}
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "")
		return
	}
	if !principal.IsAdmin() {
		api.WriteForbidden(w, "administrator role required")
		return
	}
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	switch action {
	case "executor":
		s.handleSetExecutor(w, r, principal, id)
	case "abort":
		s.handleAbort(w, r, principal, id)
	default:
		api.WriteNotFound(w, "no such route")
	}
}

func (s *Server) handleSetExecutor(w http.ResponseWriter, r *http.Request, principal auth.Principal, id plan.ID) {
	var req struct {
		Executor plan.Identity `json:"executor"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteBadRequest(w, "request body is not valid JSON")
		return
	}

	if err := s.super.SetExecutor(r.Context(), principal.Identity, id, req.Executor); err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	s.logger.Info("executor reassigned via api", "plan_id", id, "admin", principal.Identity)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":  id,
		"executor": plan.NormalizeIdentity(req.Executor),
	})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, principal auth.Principal, id plan.ID) {
	if err := s.super.Abort(r.Context(), principal.Identity, id); err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	s.logger.Warn("plan aborted via api", "plan_id", id, "admin", principal.Identity)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id": id,
		"aborted": true,
	})
}

// handleLedgerVerify walks the audit chain and reports the result.
// Corruption is a 200 with ok=false: the check ran, the content lies.
func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "")
		return
	}
	if !principal.IsAdmin() {
		api.WriteForbidden(w, "administrator role required")
		return
	}

	verified, detail := s.trail.Verify()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     verified,
		"detail": detail,
		"length": s.trail.Length(),
		"head":   s.trail.Head(),
	})
}
