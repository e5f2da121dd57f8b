package release

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bequest-labs/bequest/pkg/guardian"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/store"
)

// engine wires the full decision core over one memory backend, one
// audit ledger, and one adjustable clock.
type engine struct {
	clock   time.Time
	led     *ledger.Ledger
	exec    *countingExecutor
	plans   *store.PlanStore
	voters  *guardian.Tracker
	coord   *Coordinator
	backend store.Backend
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	e := &engine{clock: t0, led: ledger.NewLedger(), exec: &countingExecutor{}}
	now := func() time.Time { return e.clock }
	e.led.WithClock(now)
	e.backend = store.NewMemoryStore()
	e.plans = store.NewPlanStore(e.backend, store.WithRecorder(e.led), store.WithClock(now))
	e.coord = NewCoordinator(e.backend, e.exec, WithRecorder(e.led), WithClock(now))
	e.voters = guardian.NewTracker(e.backend, e.coord, guardian.WithRecorder(e.led))
	return e
}

func (e *engine) createDefault(t *testing.T) plan.ID {
	t.Helper()
	p, err := e.plans.Create(context.Background(), "owner-1", plan.Params{
		Executor:          "exec-1",
		Beneficiaries:     []plan.Identity{"ben-a", "ben-b"},
		SharesBps:         []uint32{6000, 4000},
		Guardians:         []plan.Identity{"g-1", "g-2", "g-3"},
		Threshold:         2,
		HeartbeatInterval: 86400,
	})
	require.NoError(t, err)
	return p.ID
}

func TestScenarioTimeoutRelease(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := e.createDefault(t)

	// No heartbeat. One second past the deadline the timeout fires.
	e.clock = t0.Add(86401 * time.Second)
	require.NoError(t, e.coord.TriggerByTimeout(ctx, "watcher", id))

	snap, err := e.plans.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Released)
	assert.Equal(t, []plan.ID{id}, e.exec.calls)

	e.clock = t0.Add(90000 * time.Second)
	assert.ErrorIs(t, e.coord.TriggerByTimeout(ctx, "watcher", id), plan.ErrAlreadyReleased)
	assert.Len(t, e.exec.calls, 1, "executor signalled exactly once")
}

func TestScenarioHeartbeatPushesDeadline(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := e.createDefault(t)

	e.clock = t0.Add(86000 * time.Second)
	_, err := e.plans.Heartbeat(ctx, "owner-1", id)
	require.NoError(t, err)

	// The old deadline has passed but the refreshed one has not.
	e.clock = t0.Add(86401 * time.Second)
	assert.ErrorIs(t, e.coord.TriggerByTimeout(ctx, "watcher", id), plan.ErrNotYetEligible)

	e.clock = t0.Add((86000 + 86401) * time.Second)
	require.NoError(t, e.coord.TriggerByTimeout(ctx, "watcher", id))
	assert.Len(t, e.exec.calls, 1)
}

func TestScenarioGuardianThreshold(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := e.createDefault(t)

	count, err := e.voters.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	snap, err := e.plans.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, snap.Released, "one of two votes must not release")
	assert.Empty(t, e.exec.calls)

	count, err = e.voters.Approve(ctx, "g-2", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)

	snap, err = e.plans.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Released)
	assert.Len(t, e.exec.calls, 1)

	// Further votes bounce off the terminal state.
	_, err = e.voters.Approve(ctx, "g-1", id)
	assert.ErrorIs(t, err, plan.ErrAlreadyReleased)
	_, err = e.voters.Approve(ctx, "g-3", id)
	assert.ErrorIs(t, err, plan.ErrAlreadyReleased)
	assert.Len(t, e.exec.calls, 1)

	_, err = e.voters.Approve(ctx, "stranger", id)
	assert.ErrorIs(t, err, plan.ErrAlreadyReleased, "terminal state outranks membership")
}

func TestScenarioAuditTrailOrder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := e.createDefault(t)

	e.clock = t0.Add(3600 * time.Second)
	_, err := e.plans.Heartbeat(ctx, "owner-1", id)
	require.NoError(t, err)

	_, err = e.voters.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	_, err = e.voters.Approve(ctx, "g-3", id)
	require.NoError(t, err)

	got := e.led.Select(ledger.Query{PlanID: id})
	types := make([]ledger.EventType, 0, len(got))
	for _, entry := range got {
		types = append(types, entry.Type)
	}
	assert.Equal(t, []ledger.EventType{
		ledger.EventPlanCreated,
		ledger.EventHeartbeat,
		ledger.EventGuardianApproved,
		ledger.EventGuardianApproved,
		ledger.EventThresholdTriggered,
		ledger.EventReleased,
	}, types)

	ok, detail := e.led.Verify()
	assert.True(t, ok, "audit chain must verify after the full lifecycle: %s", detail)
}

func TestScenarioHeartbeatRejectedAfterRelease(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id := e.createDefault(t)

	e.clock = t0.Add(86401 * time.Second)
	require.NoError(t, e.coord.TriggerByTimeout(ctx, "watcher", id))

	_, err := e.plans.Heartbeat(ctx, "owner-1", id)
	assert.ErrorIs(t, err, plan.ErrAlreadyReleased)
}

func TestScenarioIndependentPlans(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	id1 := e.createDefault(t)
	id2 := e.createDefault(t)

	e.clock = t0.Add(86401 * time.Second)
	require.NoError(t, e.coord.TriggerByTimeout(ctx, "watcher", id1))

	snap, err := e.plans.Get(ctx, id2)
	require.NoError(t, err)
	assert.False(t, snap.Released, "releasing one plan must not touch another")

	_, err = e.voters.Approve(ctx, "g-1", id2)
	assert.NoError(t, err)
}
