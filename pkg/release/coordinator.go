// Package release owns the terminal transition. Every path that can
// mark a plan released funnels through the Coordinator, which latches
// the released flag before signalling the external executor and rolls
// the latch back if the executor rejects the call.
package release

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/liveness"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// Executor is the outbound collaborator that moves assets. The
// coordinator only delivers the signal; it never verifies the effect.
type Executor interface {
	Release(ctx context.Context, id plan.ID) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, id plan.ID) error

func (f ExecutorFunc) Release(ctx context.Context, id plan.ID) error { return f(ctx, id) }

// Store is the slice of plan persistence the coordinator needs.
type Store interface {
	Get(ctx context.Context, id plan.ID) (*plan.Plan, error)
	MarkReleased(ctx context.Context, id plan.ID) error
	ClearReleased(ctx context.Context, id plan.ID) error
}

// Coordinator performs the one-way release transition.
type Coordinator struct {
	store  Store
	exec   Executor
	rec    ledger.Recorder
	clock  func() time.Time
	logger *slog.Logger

	// Guards the transition across all plans. The executor call can
	// re-enter this engine, so the guard must trip instead of block.
	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder emits trigger and release events to rec.
func WithRecorder(rec ledger.Recorder) Option {
	return func(c *Coordinator) { c.rec = rec }
}

// WithClock overrides the time source used for deadline checks.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator builds a Coordinator that signals exec on release.
func NewCoordinator(store Store, exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		exec:   exec,
		clock:  time.Now,
		logger: slog.Default().With("component", "release"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TriggerByTimeout releases the plan on the inactivity path. Any
// caller may invoke it; eligibility is decided purely by the clock.
// The deadline check is level-triggered, so repeated calls after
// expiry behave identically until one of them wins the transition.
func (c *Coordinator) TriggerByTimeout(ctx context.Context, caller plan.Identity, id plan.ID) error {
	p, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Released {
		return plan.ErrAlreadyReleased
	}
	now := c.clock()
	if !liveness.Eligible(p, now) {
		return fmt.Errorf("%w: deadline %s", plan.ErrNotYetEligible, p.Deadline().UTC().Format(time.RFC3339))
	}

	c.record(ctx, ledger.Event{
		Type:   ledger.EventTimeoutTriggered,
		PlanID: id,
		Actor:  plan.NormalizeIdentity(caller),
		Data: map[string]any{
			"deadline": p.Deadline().UTC().Format(time.RFC3339Nano),
			"at":       now.UTC().Format(time.RFC3339Nano),
		},
	})
	return c.Release(ctx, id, false)
}

// Release is the single authoritative transition. It latches the
// released flag, signals the executor, and rolls the latch back if
// the signal fails, so a failed transition can always be retried.
// Reachable from the timeout path, the guardian threshold path, and
// nowhere else.
func (c *Coordinator) Release(ctx context.Context, id plan.ID, byGuardians bool) error {
	// TryLock rather than Lock: a malicious executor can call back
	// into this engine on the same goroutine, where blocking would
	// deadlock and proceeding would double-release.
	if !c.mu.TryLock() {
		return plan.ErrReleaseInProgress
	}
	defer c.mu.Unlock()

	p, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Released {
		return plan.ErrAlreadyReleased
	}

	if err := c.store.MarkReleased(ctx, id); err != nil {
		return err
	}
	if p.Executor == "" {
		c.rollback(ctx, id)
		return plan.ErrExecutorMissing
	}

	if err := c.exec.Release(ctx, id); err != nil {
		c.rollback(ctx, id)
		return fmt.Errorf("%w: %w", plan.ErrExecutorCallFailed, err)
	}

	c.record(ctx, ledger.Event{
		Type:   ledger.EventReleased,
		PlanID: id,
		Actor:  p.Executor,
		Data: map[string]any{
			"executor":     string(p.Executor),
			"by_guardians": byGuardians,
		},
	})
	c.logger.Info("plan released", "plan_id", id, "executor", p.Executor, "by_guardians", byGuardians)
	return nil
}

func (c *Coordinator) rollback(ctx context.Context, id plan.ID) {
	if err := c.store.ClearReleased(ctx, id); err != nil {
		// A stuck latch blocks every future trigger. Nothing to do
		// here but surface it loudly for the operator.
		c.logger.Error("rolling back release latch failed", "plan_id", id, "error", err)
	}
}

func (c *Coordinator) record(ctx context.Context, e ledger.Event) {
	if c.rec == nil {
		return
	}
	if _, err := c.rec.Record(ctx, e); err != nil {
		c.logger.Error("recording event failed", "type", e.Type, "plan_id", e.PlanID, "error", err)
	}
}
