//go:build property
// +build property

package release_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/bequest-labs/bequest/pkg/guardian"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/release"
	"github.com/bequest-labs/bequest/pkg/store"
)

type recordingExecutor struct{ calls int }

func (e *recordingExecutor) Release(context.Context, plan.ID) error {
	e.calls++
	return nil
}

// TestReleaseAtMostOnce drives the full decision core with arbitrary
// interleavings of heartbeats, votes, and timeout triggers and checks
// the terminal-state invariants after every run.
func TestReleaseAtMostOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("executor fires at most once and exactly when released", prop.ForAll(
		func(ops []int, deltas []int64) bool {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }

			led := ledger.NewLedger().WithClock(clock)
			backend := store.NewMemoryStore()
			plans := store.NewPlanStore(backend, store.WithRecorder(led), store.WithClock(clock))
			exec := &recordingExecutor{}
			coord := release.NewCoordinator(backend, exec, release.WithRecorder(led), release.WithClock(clock))
			voters := guardian.NewTracker(backend, coord, guardian.WithRecorder(led))

			p, err := plans.Create(ctx, "owner-1", plan.Params{
				Executor:          "exec-1",
				Beneficiaries:     []plan.Identity{"ben-a", "ben-b"},
				SharesBps:         []uint32{6000, 4000},
				Guardians:         []plan.Identity{"g-1", "g-2", "g-3"},
				Threshold:         2,
				HeartbeatInterval: 86400,
			})
			if err != nil {
				return false
			}

			for i, op := range ops {
				if i < len(deltas) {
					step := deltas[i] % 90000
					if step < 0 {
						step = -step
					}
					now = now.Add(time.Duration(step) * time.Second)
				}
				// Each op is a legitimate external call; its errors
				// (not eligible, already released, not a guardian)
				// are part of normal operation.
				switch op % 6 {
				case 0:
					_, _ = plans.Heartbeat(ctx, "owner-1", p.ID)
				case 1:
					_, _ = voters.Approve(ctx, "g-1", p.ID)
				case 2:
					_, _ = voters.Approve(ctx, "g-2", p.ID)
				case 3:
					_, _ = voters.Approve(ctx, "g-3", p.ID)
				case 4:
					_ = coord.TriggerByTimeout(ctx, "watcher", p.ID)
				case 5:
					_, _ = voters.Approve(ctx, "stranger", p.ID)
				}
			}

			snap, err := plans.Get(ctx, p.ID)
			if err != nil {
				return false
			}
			if exec.calls > 1 {
				return false
			}
			if snap.Released != (exec.calls == 1) {
				return false
			}
			if snap.Approvals > 3 {
				return false
			}
			ok, _ := led.Verify()
			return ok
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.SliceOf(gen.Int64Range(0, 90000)),
	))

	properties.Property("released stays released", prop.ForAll(
		func(extraTriggers int) bool {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }

			backend := store.NewMemoryStore()
			plans := store.NewPlanStore(backend, store.WithClock(clock))
			exec := &recordingExecutor{}
			coord := release.NewCoordinator(backend, exec, release.WithClock(clock))

			p, err := plans.Create(ctx, "owner-1", plan.Params{
				Executor:          "exec-1",
				Beneficiaries:     []plan.Identity{"ben-a"},
				SharesBps:         []uint32{10000},
				Guardians:         []plan.Identity{"g-1"},
				Threshold:         1,
				HeartbeatInterval: 60,
			})
			if err != nil {
				return false
			}

			now = now.Add(61 * time.Second)
			if err := coord.TriggerByTimeout(ctx, "watcher", p.ID); err != nil {
				return false
			}
			for i := 0; i < extraTriggers; i++ {
				now = now.Add(time.Minute)
				_ = coord.TriggerByTimeout(ctx, "watcher", p.ID)
				snap, err := plans.Get(ctx, p.ID)
				if err != nil || !snap.Released {
					return false
				}
			}
			return exec.calls == 1
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
