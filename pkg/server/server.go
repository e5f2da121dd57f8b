// Package server exposes the plan lifecycle over HTTP. Routes assume
// the auth middleware has already attached a principal to the request
// context; handlers read it back and pass its identity as the caller
// on every domain operation, so authorization decisions stay in the
// domain packages.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/bequest-labs/bequest/pkg/admin"
	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/evidence"
	"github.com/bequest-labs/bequest/pkg/guardian"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/release"
	"github.com/bequest-labs/bequest/pkg/store"
)

// maxBodyBytes caps request bodies. Plan documents are small; anything
// near this limit is malformed or hostile.
const maxBodyBytes = 1 << 20

// Server holds the domain services the HTTP routes drive.
type Server struct {
	plans  *store.PlanStore
	voters *guardian.Tracker
	coord  *release.Coordinator
	super  *admin.Service
	trail  *ledger.Ledger
	packs  *evidence.Builder
	schema *api.CreatePlanSchema
	ready  func(ctx context.Context) error
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEvidence enables the evidence routes.
func WithEvidence(b *evidence.Builder) Option {
	return func(s *Server) { s.packs = b }
}

// WithReadyCheck overrides the readiness probe. The default counts
// plans, which exercises the storage backend.
func WithReadyCheck(f func(ctx context.Context) error) Option {
	return func(s *Server) { s.ready = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds a Server over the domain services. It fails only if the
// embedded request schema does not compile.
func New(plans *store.PlanStore, voters *guardian.Tracker, coord *release.Coordinator, super *admin.Service, trail *ledger.Ledger, opts ...Option) (*Server, error) {
	schema, err := api.NewCreatePlanSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		plans:  plans,
		voters: voters,
		coord:  coord,
		super:  super,
		trail:  trail,
		schema: schema,
		logger: slog.Default().With("component", "server"),
	}
	s.ready = func(ctx context.Context) error {
		_, err := s.plans.Count(ctx)
		return err
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the route multiplexer. Middleware (request IDs,
// auth, rate limits, idempotency) wraps this handler in cmd wiring.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/v1/plans", s.handleCreatePlan)
	mux.HandleFunc("/v1/plans/", s.handlePlanRouter)
	mux.HandleFunc("/v1/admin/plans/", s.handleAdminRouter)
	mux.HandleFunc("/v1/ledger/verify", s.handleLedgerVerify)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.ready(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, "Not Ready", "A dependency is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// planPath splits "/v1/plans/{id}[/{action}]" into its ID and action
// segment. ok is false when the shape or the ID is unusable.
func planPath(path, prefix string) (id plan.ID, action string, ok bool) {
	rest := strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || len(parts) > 2 || parts[0] == "" {
		return 0, "", false
	}
	raw, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || raw == 0 {
		return 0, "", false
	}
	if len(parts) == 2 {
		if parts[1] == "" {
			return 0, "", false
		}
		action = parts[1]
	}
	return plan.ID(raw), action, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
