// Package store owns all plan state. Backend is the persistence
// contract with three implementations: in-memory for tests and demos,
// SQLite for single-node deployments, Postgres for everything else.
// PlanStore layers the creation, heartbeat, and read operations on top
// of a Backend, so validation, identity normalization, and audit
// events happen exactly once regardless of entry point. The guardian,
// release, and admin components hold the same Backend handle and
// narrow it to the methods they need.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// Backend persists plans and guardian approvals.
//
// Semantics shared by all implementations:
//   - Insert assigns the next identifier (starting at 1), stores the
//     plan, sets p.ID, and returns the identifier.
//   - Get returns plan.ErrNotFound for unknown identifiers. Callers
//     own the returned copy; mutating it does not change the store.
//   - MarkReleased latches the released flag and fails with
//     plan.ErrAlreadyReleased if it was already set.
//   - ClearReleased is the compensating write for a failed release
//     call-out; clearing an unlatched plan is a no-op.
//   - AddApproval is idempotent per (plan, guardian) pair.
//   - Plans are never deleted and identifiers are never reused.
type Backend interface {
	Insert(ctx context.Context, p *plan.Plan) (plan.ID, error)
	Get(ctx context.Context, id plan.ID) (*plan.Plan, error)
	SetHeartbeat(ctx context.Context, id plan.ID, at time.Time) error
	SetExecutor(ctx context.Context, id plan.ID, executor plan.Identity) error
	MarkReleased(ctx context.Context, id plan.ID) error
	ClearReleased(ctx context.Context, id plan.ID) error
	AddApproval(ctx context.Context, id plan.ID, guardian plan.Identity) error
	HasApproved(ctx context.Context, id plan.ID, guardian plan.Identity) (bool, error)
	ApprovalCount(ctx context.Context, id plan.ID) (uint32, error)
	Unreleased(ctx context.Context) ([]plan.Plan, error)
	Count(ctx context.Context) (uint64, error)
}

// CreationGate vets creation params after core validation passes.
// The policy engine implements this; a nil gate admits everything.
type CreationGate interface {
	CheckCreate(ctx context.Context, p plan.Params) error
}

// PlanStore carries the plan lifecycle operations that are not release
// transitions: creation, heartbeats, and reads.
type PlanStore struct {
	backend Backend
	rec     ledger.Recorder
	gate    CreationGate
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a PlanStore.
type Option func(*PlanStore)

// WithRecorder wires the audit trail.
func WithRecorder(rec ledger.Recorder) Option {
	return func(s *PlanStore) { s.rec = rec }
}

// WithCreationGate wires policy checks into plan creation.
func WithCreationGate(g CreationGate) Option {
	return func(s *PlanStore) { s.gate = g }
}

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *PlanStore) { s.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *PlanStore) { s.logger = l }
}

// NewPlanStore builds a PlanStore over the given backend.
func NewPlanStore(backend Backend, opts ...Option) *PlanStore {
	s := &PlanStore{
		backend: backend,
		clock:   time.Now,
		logger:  slog.Default().With("component", "store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates params and stores a new plan owned by owner. The
// liveness clock starts at the current time. Emits plan.created.
func (s *PlanStore) Create(ctx context.Context, owner plan.Identity, params plan.Params) (*plan.Plan, error) {
	owner = plan.NormalizeIdentity(owner)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner identity required", plan.ErrUnauthorized)
	}

	params = params.Normalized()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if s.gate != nil {
		if err := s.gate.CheckCreate(ctx, params); err != nil {
			return nil, err
		}
	}

	now := s.clock()
	p := &plan.Plan{
		Owner:             owner,
		Executor:          params.Executor,
		Beneficiaries:     params.Beneficiaries,
		SharesBps:         params.SharesBps,
		Guardians:         params.Guardians,
		Threshold:         params.Threshold,
		HeartbeatInterval: params.HeartbeatInterval,
		MetadataURI:       params.MetadataURI,
		LastHeartbeat:     now,
		CreatedAt:         now,
	}
	id, err := s.backend.Insert(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("store: inserting plan: %w", err)
	}

	s.record(ctx, ledger.Event{
		Type:   ledger.EventPlanCreated,
		PlanID: id,
		Actor:  owner,
		Data: map[string]any{
			"owner":    string(owner),
			"executor": string(params.Executor),
		},
	})
	s.logger.Info("plan created", "plan_id", id, "owner", owner, "guardians", len(params.Guardians), "threshold", params.Threshold)
	return p, nil
}

// Heartbeat resets the liveness clock. Only the plan's owner may call
// it, and only while the plan is unreleased. Emits plan.heartbeat and
// returns the new last-heartbeat time.
func (s *PlanStore) Heartbeat(ctx context.Context, caller plan.Identity, id plan.ID) (time.Time, error) {
	p, err := s.backend.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	if p.Released {
		return time.Time{}, plan.ErrAlreadyReleased
	}
	if plan.NormalizeIdentity(caller) != p.Owner {
		return time.Time{}, plan.ErrUnauthorized
	}

	now := s.clock()
	if err := s.backend.SetHeartbeat(ctx, id, now); err != nil {
		return time.Time{}, fmt.Errorf("store: recording heartbeat: %w", err)
	}

	s.record(ctx, ledger.Event{
		Type:   ledger.EventHeartbeat,
		PlanID: id,
		Actor:  p.Owner,
		Data:   map[string]any{"at": now.UTC().Format(time.RFC3339Nano)},
	})
	return now, nil
}

// Get returns a read snapshot: the plan record, its current approval
// count, and the instant it becomes eligible for timeout release.
func (s *PlanStore) Get(ctx context.Context, id plan.ID) (*plan.Snapshot, error) {
	p, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	n, err := s.backend.ApprovalCount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("store: counting approvals: %w", err)
	}
	return &plan.Snapshot{Plan: *p, Approvals: n, EligibleAt: p.Deadline()}, nil
}

// Count returns the number of plans ever created.
func (s *PlanStore) Count(ctx context.Context) (uint64, error) {
	return s.backend.Count(ctx)
}

// Backend exposes the underlying persistence handle for components
// that need direct access (guardian tracker, release coordinator,
// admin service).
func (s *PlanStore) Backend() Backend {
	return s.backend
}

func (s *PlanStore) record(ctx context.Context, e ledger.Event) {
	if s.rec == nil {
		return
	}
	if _, err := s.rec.Record(ctx, e); err != nil {
		s.logger.Error("recording event failed", "type", e.Type, "plan_id", e.PlanID, "error", err)
	}
}
