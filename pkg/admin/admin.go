// Package admin holds the privileged escape hatches. They are gated
// by a single administrative identity that is distinct from every
// plan's owner and guardians, and they never signal the executor.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// Store is the slice of plan persistence the admin service needs.
type Store interface {
	Get(ctx context.Context, id plan.ID) (*plan.Plan, error)
	SetExecutor(ctx context.Context, id plan.ID, executor plan.Identity) error
	MarkReleased(ctx context.Context, id plan.ID) error
}

// Service performs administrative overrides.
type Service struct {
	store  Store
	admin  plan.Identity
	rec    ledger.Recorder
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder emits abort events to rec.
func WithRecorder(rec ledger.Recorder) Option {
	return func(s *Service) { s.rec = rec }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService builds a Service gated on the given administrative
// identity.
func NewService(store Store, admin plan.Identity, opts ...Option) *Service {
	s := &Service{
		store:  store,
		admin:  plan.NormalizeIdentity(admin),
		logger: slog.Default().With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetExecutor reassigns the executor of an unreleased plan. The
// update is observable via reads only; no event is emitted.
func (s *Service) SetExecutor(ctx context.Context, caller plan.Identity, id plan.ID, executor plan.Identity) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	executor = plan.NormalizeIdentity(executor)
	if executor == "" {
		return plan.ErrExecutorRequired
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Released {
		return plan.ErrAlreadyReleased
	}

	if err := s.store.SetExecutor(ctx, id, executor); err != nil {
		return err
	}
	s.logger.Info("executor reassigned", "plan_id", id, "executor", executor)
	return nil
}

// Abort marks a plan released without ever signalling the executor,
// stranding whatever the executor was holding. It exists for plans
// that must be shut down outside the normal lifecycle. Aborting an
// already-released plan is a no-op.
func (s *Service) Abort(ctx context.Context, caller plan.Identity, id plan.ID) error {
	if err := s.authorize(caller); err != nil {
		return err
	}

	p, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Released {
		return nil
	}

	if err := s.store.MarkReleased(ctx, id); err != nil {
		// A concurrent release won the latch between the read and the
		// write. The plan ends released either way.
		if errors.Is(err, plan.ErrAlreadyReleased) {
			return nil
		}
		return err
	}

	s.record(ctx, ledger.Event{
		Type:   ledger.EventAborted,
		PlanID: id,
		Actor:  s.admin,
		Data:   map[string]any{"executor_signalled": false},
	})
	s.logger.Warn("plan aborted", "plan_id", id, "admin", s.admin)
	return nil
}

func (s *Service) authorize(caller plan.Identity) error {
	if plan.NormalizeIdentity(caller) != s.admin || s.admin == "" {
		return fmt.Errorf("%w: administrative identity required", plan.ErrUnauthorized)
	}
	return nil
}

func (s *Service) record(ctx context.Context, e ledger.Event) {
	if s.rec == nil {
		return
	}
	if _, err := s.rec.Record(ctx, e); err != nil {
		s.logger.Error("recording event failed", "type", e.Type, "plan_id", e.PlanID, "error", err)
	}
}
