package guardian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/store"
)

type fakeReleaser struct {
	calls []plan.ID
	by    []bool
	err   error
}

func (f *fakeReleaser) Release(_ context.Context, id plan.ID, byGuardians bool) error {
	f.calls = append(f.calls, id)
	f.by = append(f.by, byGuardians)
	return f.err
}

func seedPlan(t *testing.T, backend store.Backend) plan.ID {
	t.Helper()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := backend.Insert(context.Background(), &plan.Plan{
		Owner:             "owner-1",
		Executor:          "exec-1",
		Beneficiaries:     []plan.Identity{"ben-1", "ben-2"},
		SharesBps:         []uint32{6000, 4000},
		Guardians:         []plan.Identity{"g-1", "g-2", "g-3"},
		Threshold:         2,
		HeartbeatInterval: 86400,
		LastHeartbeat:     t0,
		CreatedAt:         t0,
	})
	require.NoError(t, err)
	return id
}

func TestApproveRecordsVote(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	led := ledger.NewLedger()
	rel := &fakeReleaser{}
	tr := NewTracker(backend, rel, WithRecorder(led))
	id := seedPlan(t, backend)

	count, err := tr.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)
	assert.Empty(t, rel.calls, "one vote must not reach a threshold of two")

	entries := led.Select(ledger.Query{Type: ledger.EventGuardianApproved})
	require.Len(t, entries, 1)
	assert.Equal(t, plan.Identity("g-1"), entries[0].Actor)
	assert.Equal(t, uint32(1), entries[0].Data["approvals"])
}

func TestApproveRejectsNonGuardian(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	tr := NewTracker(backend, &fakeReleaser{})
	id := seedPlan(t, backend)

	_, err := tr.Approve(ctx, "owner-1", id)
	assert.ErrorIs(t, err, plan.ErrUnauthorized)

	_, err = tr.Approve(ctx, "stranger", id)
	assert.ErrorIs(t, err, plan.ErrUnauthorized)
}

func TestApproveUnknownPlan(t *testing.T) {
	tr := NewTracker(store.NewMemoryStore(), &fakeReleaser{})
	_, err := tr.Approve(context.Background(), "g-1", 404)
	assert.ErrorIs(t, err, plan.ErrNotFound)
}

func TestApproveReleasedPlan(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	tr := NewTracker(backend, &fakeReleaser{})
	id := seedPlan(t, backend)
	require.NoError(t, backend.MarkReleased(ctx, id))

	_, err := tr.Approve(ctx, "g-1", id)
	assert.ErrorIs(t, err, plan.ErrAlreadyReleased)
}

func TestApproveIsIdempotentPerGuardian(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	led := ledger.NewLedger()
	tr := NewTracker(backend, &fakeReleaser{}, WithRecorder(led))
	id := seedPlan(t, backend)

	count, err := tr.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	count, err = tr.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count, "repeat vote must not double count")

	entries := led.Select(ledger.Query{Type: ledger.EventGuardianApproved})
	assert.Len(t, entries, 1, "repeat vote must not re-emit the approval event")
}

func TestApproveThresholdTriggersRelease(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	led := ledger.NewLedger()
	rel := &fakeReleaser{}
	tr := NewTracker(backend, rel, WithRecorder(led))
	id := seedPlan(t, backend)

	_, err := tr.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	count, err := tr.Approve(ctx, "g-2", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)

	require.Len(t, rel.calls, 1)
	assert.Equal(t, id, rel.calls[0])
	assert.True(t, rel.by[0], "threshold path must release with byGuardians=true")

	// The approval event precedes the threshold event in the trail.
	entries := led.Select(ledger.Query{PlanID: id})
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.EventGuardianApproved, entries[0].Type)
	assert.Equal(t, ledger.EventGuardianApproved, entries[1].Type)
	assert.Equal(t, ledger.EventThresholdTriggered, entries[2].Type)
	assert.Equal(t, uint32(2), entries[2].Data["approvals"])
}

func TestApproveRepeatRetriesFailedRelease(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	rel := &fakeReleaser{err: errors.New("executor unreachable")}
	tr := NewTracker(backend, rel)
	id := seedPlan(t, backend)

	_, err := tr.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	_, err = tr.Approve(ctx, "g-2", id)
	require.Error(t, err)
	require.Len(t, rel.calls, 1)

	// The votes survived the failed transition, so any guardian voting
	// again re-fires the release attempt.
	rel.err = nil
	count, err := tr.Approve(ctx, "g-2", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)
	assert.Len(t, rel.calls, 2)
}

func TestApproveNormalizesCaller(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	tr := NewTracker(backend, &fakeReleaser{})
	id := seedPlan(t, backend)

	count, err := tr.Approve(ctx, "  g-1  ", id)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	ok, err := backend.HasApproved(ctx, id, "g-1")
	require.NoError(t, err)
	assert.True(t, ok, "approval must be stored under the normalized identity")
}

func TestApproveWithoutReleaser(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemoryStore()
	led := ledger.NewLedger()
	tr := NewTracker(backend, nil, WithRecorder(led))
	id := seedPlan(t, backend)

	_, err := tr.Approve(ctx, "g-1", id)
	require.NoError(t, err)
	_, err = tr.Approve(ctx, "g-2", id)
	require.NoError(t, err)

	entries := led.Select(ledger.Query{Type: ledger.EventThresholdTriggered})
	assert.Len(t, entries, 1, "threshold event still recorded without a releaser")
}
