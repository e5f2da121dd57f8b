// Package guardian tracks threshold voting. Each guardian named on a
// plan may cast one approval; once the count of distinct approvals
// reaches the plan's threshold the tracker hands the plan to the
// release coordinator.
package guardian

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// Store is the slice of plan persistence the tracker needs.
type Store interface {
	Get(ctx context.Context, id plan.ID) (*plan.Plan, error)
	HasApproved(ctx context.Context, id plan.ID, guardian plan.Identity) (bool, error)
	AddApproval(ctx context.Context, id plan.ID, guardian plan.Identity) error
	ApprovalCount(ctx context.Context, id plan.ID) (uint32, error)
}

// Releaser performs the terminal release transition once the
// threshold is met.
type Releaser interface {
	Release(ctx context.Context, id plan.ID, byGuardians bool) error
}

// Tracker records guardian approvals and fires the threshold path.
type Tracker struct {
	store    Store
	releaser Releaser
	rec      ledger.Recorder
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder emits approval and threshold events to rec.
func WithRecorder(rec ledger.Recorder) Option {
	return func(t *Tracker) { t.rec = rec }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker builds a Tracker over store. releaser may be nil, in
// which case meeting the threshold records the event but performs no
// transition (read-only deployments).
func NewTracker(store Store, releaser Releaser, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		releaser: releaser,
		logger:   slog.Default().With("component", "guardian"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Approve casts caller's approval on the plan and returns the running
// approval count. A repeat approval by the same guardian changes
// nothing but still re-runs the threshold check, so a release attempt
// that previously failed can be retried by any guardian voting again.
func (t *Tracker) Approve(ctx context.Context, caller plan.Identity, id plan.ID) (uint32, error) {
	caller = plan.NormalizeIdentity(caller)

	p, err := t.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if p.Released {
		return 0, plan.ErrAlreadyReleased
	}
	if !p.HasGuardian(caller) {
		return 0, fmt.Errorf("%w: %q is not a guardian of plan %d", plan.ErrUnauthorized, caller, id)
	}

	approved, err := t.store.HasApproved(ctx, id, caller)
	if err != nil {
		return 0, fmt.Errorf("guardian: checking prior approval: %w", err)
	}
	if !approved {
		if err := t.store.AddApproval(ctx, id, caller); err != nil {
			return 0, fmt.Errorf("guardian: recording approval: %w", err)
		}
	}

	count, err := t.store.ApprovalCount(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("guardian: counting approvals: %w", err)
	}

	if !approved {
		t.record(ctx, ledger.Event{
			Type:   ledger.EventGuardianApproved,
			PlanID: id,
			Actor:  caller,
			Data:   map[string]any{"approvals": count, "threshold": p.Threshold},
		})
		t.logger.Info("guardian approved", "plan_id", id, "guardian", caller, "approvals", count, "threshold", p.Threshold)
	}

	if count >= p.Threshold {
		t.record(ctx, ledger.Event{
			Type:   ledger.EventThresholdTriggered,
			PlanID: id,
			Actor:  caller,
			Data:   map[string]any{"approvals": count, "threshold": p.Threshold},
		})
		if t.releaser != nil {
			if err := t.releaser.Release(ctx, id, true); err != nil {
				return count, err
			}
		}
	}
	return count, nil
}

func (t *Tracker) record(ctx context.Context, e ledger.Event) {
	if t.rec == nil {
		return
	}
	if _, err := t.rec.Record(ctx, e); err != nil {
		t.logger.Error("recording event failed", "type", e.Type, "plan_id", e.PlanID, "error", err)
	}
}
