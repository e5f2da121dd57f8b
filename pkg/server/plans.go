package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/auth"
	"github.com/bequest-labs/bequest/pkg/evidence"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/observability"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/policy"
)

// handleCreatePlan serves POST /v1/plans. The body is checked against
// the request schema before it is decoded, so shape errors surface as
// schema violations rather than decode noise; semantic rules run in
// the store.
func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.WriteBadRequest(w, "reading request body failed")
		return
	}
	if len(body) == 0 {
		api.WriteBadRequest(w, "request body is required")
		return
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		api.WriteBadRequest(w, "request body is not valid JSON")
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		api.WriteErrorR(w, r, http.StatusBadRequest, "Invalid Request", err.Error())
		return
	}

	var params plan.Params
	if err := json.Unmarshal(body, &params); err != nil {
		api.WriteBadRequest(w, "request body is not a plan document")
		return
	}

	created, err := s.plans.Create(r.Context(), principal.Identity, params)
	if err != nil {
		if errors.Is(err, policy.ErrRejected) {
			api.WriteErrorR(w, r, http.StatusBadRequest, "Creation Rejected", err.Error())
			return
		}
		api.WriteDomainError(w, r, err)
		return
	}

	s.logger.Info("plan created", "plan_id", created.ID, "owner", created.Owner)
	observability.AddSpanEvent(r.Context(), "plan.created", observability.PlanOperation(created.ID, principal.Identity)...)
	w.Header().Set("Location", fmt.Sprintf("/v1/plans/%d", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

// handlePlanRouter dispatches /v1/plans/{id} and its subresources.
func (s *Server) handlePlanRouter(w http.ResponseWriter, r *http.Request) {
	id, action, ok := planPath(r.URL.Path, "/v1/plans/")
	if !ok {
		api.WriteNotFound(w, "no such route")
		return
	}
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		s.handleGetPlan(w, r, id)
	case "heartbeat":
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		s.handleHeartbeat(w, r, principal, id)
	case "approvals":
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		s.handleApprove(w, r, principal, id)
	case "release-checks":
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		s.handleReleaseCheck(w, r, principal, id)
	case "events":
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		s.handleEvents(w, r, id)
	case "evidence":
		switch r.Method {
		case http.MethodGet:
			s.handleEvidence(w, r, id)
		case http.MethodPost:
			s.handleEvidenceArchive(w, r, principal, id)
		default:
			api.WriteMethodNotAllowed(w)
		}
	default:
		api.WriteNotFound(w, "no such route")
	}
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request, id plan.ID) {
	snap, err := s.plans.Get(r.Context(), id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, principal auth.Principal, id plan.ID) {
	at, err := s.plans.Heartbeat(r.Context(), principal.Identity, id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":        id,
		"last_heartbeat": at,
	})
}

// handleApprove records a guardian vote. The response reports the
// resulting tally and whether the threshold released the plan; an
// executor failure surfaces as 502 with the vote kept, so the caller
// can retry via another approval or a release check.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, principal auth.Principal, id plan.ID) {
	count, err := s.voters.Approve(r.Context(), principal.Identity, id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	snap, err := s.plans.Get(r.Context(), id)
	if err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	if snap.Released {
		observability.AddSpanEvent(r.Context(), "plan.released", observability.ReleaseOperation(id, "guardians")...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":   id,
		"approvals": count,
		"released":  snap.Released,
	})
}

func (s *Server) handleReleaseCheck(w http.ResponseWriter, r *http.Request, principal auth.Principal, id plan.ID) {
	if err := s.coord.TriggerByTimeout(r.Context(), principal.Identity, id); err != nil {
		api.WriteDomainError(w, r, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "plan.released", observability.ReleaseOperation(id, "timeout")...)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":  id,
		"released": true,
		"trigger":  "timeout",
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, id plan.ID) {
	// 404 before the trail is consulted: an empty result for a real
	// plan and an unknown plan must stay distinguishable.
	if _, err := s.plans.Get(r.Context(), id); err != nil {
		api.WriteDomainError(w, r, err)
		return
	}

	q := ledger.Query{PlanID: id}
	if v := r.URL.Query().Get("type"); v != "" {
		q.Type = ledger.EventType(v)
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.WriteBadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			api.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}

	entries := s.trail.Select(q)
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id": id,
		"events":  entries,
	})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request, id plan.ID) {
	if s.packs == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "Evidence Unavailable", "evidence is not configured on this deployment")
		return
	}
	p, err := s.packs.Build(r.Context(), id)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFinished) {
			api.WriteErrorR(w, r, http.StatusConflict, "Plan Still Live", err.Error())
			return
		}
		api.WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleEvidenceArchive builds a pack and offloads it to the archive
// store. Administrators only; archival writes to external storage.
func (s *Server) handleEvidenceArchive(w http.ResponseWriter, r *http.Request, principal auth.Principal, id plan.ID) {
	if !principal.IsAdmin() {
		api.WriteForbidden(w, "administrator role required")
		return
	}
	if s.packs == nil {
		api.WriteError(w, http.StatusServiceUnavailable, "Evidence Unavailable", "evidence is not configured on this deployment")
		return
	}
	p, err := s.packs.Build(r.Context(), id)
	if err != nil {
		if errors.Is(err, evidence.ErrNotFinished) {
			api.WriteErrorR(w, r, http.StatusConflict, "Plan Still Live", err.Error())
			return
		}
		api.WriteDomainError(w, r, err)
		return
	}
	addr, err := s.packs.Archive(r.Context(), p)
	if err != nil {
		s.logger.Error("archiving evidence pack failed", "plan_id", id, "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, "Archive Unavailable", "archiving the evidence pack failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id": id,
		"pack_id": p.ID,
		"address": addr,
	})
}
