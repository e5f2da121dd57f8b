package liveness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bequest-labs/bequest/pkg/plan"
)

func planWithDeadline(t0 time.Time, interval int64) *plan.Plan {
	return &plan.Plan{ID: 1, HeartbeatInterval: interval, LastHeartbeat: t0}
}

func TestEligibleIsStrict(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := planWithDeadline(t0, 86400)
	deadline := t0.Add(86400 * time.Second)

	assert.False(t, Eligible(p, t0), "at creation")
	assert.False(t, Eligible(p, deadline.Add(-time.Second)), "one second early")
	assert.False(t, Eligible(p, deadline), "exactly on the deadline")
	assert.True(t, Eligible(p, deadline.Add(time.Nanosecond)), "just past the deadline")
	assert.True(t, Eligible(p, deadline.Add(time.Second)), "one second late")
}

func TestRemaining(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := planWithDeadline(t0, 3600)

	assert.Equal(t, time.Hour, Remaining(p, t0))
	assert.Equal(t, 30*time.Minute, Remaining(p, t0.Add(30*time.Minute)))
	assert.Equal(t, time.Duration(0), Remaining(p, t0.Add(2*time.Hour)))
}

func TestCheck(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p := planWithDeadline(t0, 3600)

	st := Check(p, t0.Add(2*time.Hour))
	assert.Equal(t, plan.ID(1), st.PlanID)
	assert.Equal(t, t0.Add(time.Hour), st.EligibleAt)
	assert.True(t, st.Eligible)
	assert.Equal(t, time.Duration(0), st.Remaining)
}

type staticLister struct {
	plans []plan.Plan
	err   error
}

func (l *staticLister) Unreleased(context.Context) ([]plan.Plan, error) {
	return l.plans, l.err
}

func TestSweepFiresOnlyEligiblePlans(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lister := &staticLister{plans: []plan.Plan{
		{ID: 1, HeartbeatInterval: 3600, LastHeartbeat: t0},                    // expired
		{ID: 2, HeartbeatInterval: 86400, LastHeartbeat: t0},                   // still live
		{ID: 3, HeartbeatInterval: 3600, LastHeartbeat: t0.Add(-2 * time.Hour)}, // expired
	}}

	var fired []plan.ID
	s := NewSweeper(lister, func(_ context.Context, id plan.ID) error {
		fired = append(fired, id)
		return nil
	}, time.Minute).WithClock(func() time.Time { return t0.Add(2 * time.Hour) })

	n := s.Sweep(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, []plan.ID{1, 3}, fired)
}

func TestSweepTreatsLostRacesAsBenign(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	lister := &staticLister{plans: []plan.Plan{
		{ID: 1, HeartbeatInterval: 1, LastHeartbeat: t0},
		{ID: 2, HeartbeatInterval: 1, LastHeartbeat: t0},
	}}

	calls := 0
	s := NewSweeper(lister, func(_ context.Context, id plan.ID) error {
		calls++
		if id == 1 {
			return plan.ErrAlreadyReleased
		}
		return plan.ErrReleaseInProgress
	}, time.Minute).WithClock(func() time.Time { return t0.Add(time.Hour) })

	n := s.Sweep(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, calls)
}

func TestSweepSurvivesListerFailure(t *testing.T) {
	s := NewSweeper(&staticLister{err: errors.New("db down")}, func(context.Context, plan.ID) error {
		t.Fatal("trigger must not fire when listing fails")
		return nil
	}, time.Minute)

	require.Equal(t, 0, s.Sweep(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	lister := &staticLister{}
	s := NewSweeper(lister, func(context.Context, plan.ID) error { return nil }, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}
