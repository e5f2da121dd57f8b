// Package liveness decides when a plan's inactivity deadline has
// passed. The check is a pure function of the plan and a caller-supplied
// clock reading, so trigger paths and tests share one definition of
// "timed out". A background Sweeper can drive the timeout trigger for
// deployments that do not rely on external callers to poll.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// Eligible reports whether p's inactivity deadline has passed at now.
// The comparison is strict: a reading exactly on the deadline is not
// eligible, only readings after it.
func Eligible(p *plan.Plan, now time.Time) bool {
	return now.After(p.Deadline())
}

// Remaining returns the time left until p becomes eligible for timeout
// release, or zero if the deadline has already passed.
func Remaining(p *plan.Plan, now time.Time) time.Duration {
	d := p.Deadline().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Status is a point-in-time liveness reading for one plan.
type Status struct {
	PlanID        plan.ID       `json:"plan_id"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	EligibleAt    time.Time     `json:"eligible_at"`
	Eligible      bool          `json:"eligible"`
	Remaining     time.Duration `json:"remaining"`
}

// Check returns the liveness status of p at now.
func Check(p *plan.Plan, now time.Time) Status {
	return Status{
		PlanID:        p.ID,
		LastHeartbeat: p.LastHeartbeat,
		EligibleAt:    p.Deadline(),
		Eligible:      Eligible(p, now),
		Remaining:     Remaining(p, now),
	}
}

// Lister exposes the unreleased plans a sweeper scans.
type Lister interface {
	Unreleased(ctx context.Context) ([]plan.Plan, error)
}

// TriggerFunc fires the timeout release path for one plan.
type TriggerFunc func(ctx context.Context, id plan.ID) error

// Sweeper periodically scans unreleased plans and fires the timeout
// trigger for any whose deadline has passed. The trigger path performs
// its own eligibility and latch checks, so a sweep racing a manual
// trigger is harmless.
type Sweeper struct {
	store    Lister
	trigger  TriggerFunc
	interval time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

// NewSweeper builds a sweeper that scans every interval.
func NewSweeper(store Lister, trigger TriggerFunc, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		trigger:  trigger,
		interval: interval,
		clock:    time.Now,
		logger:   slog.Default().With("component", "liveness"),
	}
}

// WithClock overrides the sweeper's time source. Used in tests.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run blocks, sweeping until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single scan, returning the number of plans whose
// timeout trigger fired successfully.
func (s *Sweeper) Sweep(ctx context.Context) int {
	plans, err := s.store.Unreleased(ctx)
	if err != nil {
		s.logger.Warn("sweep: listing unreleased plans failed", "error", err)
		return 0
	}

	now := s.clock()
	fired := 0
	for i := range plans {
		p := &plans[i]
		if !Eligible(p, now) {
			continue
		}
		err := s.trigger(ctx, p.ID)
		switch {
		case err == nil:
			fired++
			s.logger.Info("sweep: timeout release fired", "plan_id", p.ID)
		case errors.Is(err, plan.ErrAlreadyReleased), errors.Is(err, plan.ErrReleaseInProgress):
			// Lost the race to another trigger; nothing to do.
		default:
			s.logger.Warn("sweep: timeout trigger failed", "plan_id", p.ID, "error", err)
		}
	}
	return fired
}
