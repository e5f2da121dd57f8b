package ledger

import (
	"context"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// EventType names an observable state change on a plan.
type EventType string

const (
	EventPlanCreated        EventType = "plan.created"
	EventHeartbeat          EventType = "plan.heartbeat"
	EventGuardianApproved   EventType = "guardian.approved"
	EventTimeoutTriggered   EventType = "release.timeout_triggered"
	EventThresholdTriggered EventType = "release.threshold_triggered"
	EventReleased           EventType = "plan.released"
	EventAborted            EventType = "plan.aborted"
)

// Event is one audit-trail notification. Data values must round-trip
// through JSON unchanged (strings, bools, and numbers well inside the
// float64 integer range), since SQL-backed recorders re-hash entries
// from their stored JSON payloads during verification.
type Event struct {
	Type   EventType      `json:"type"`
	PlanID plan.ID        `json:"plan_id"`
	Actor  plan.Identity  `json:"actor,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// Recorder accepts events into an audit trail. Implementations must
// preserve call order: the sequence numbers they return are the total
// order of the trail.
type Recorder interface {
	Record(ctx context.Context, e Event) (uint64, error)
}

// Fanout returns a Recorder that forwards every event to each of rs in
// turn, failing on the first error. The returned sequence is the first
// recorder's.
func Fanout(rs ...Recorder) Recorder {
	return fanout(rs)
}

type fanout []Recorder

func (f fanout) Record(ctx context.Context, e Event) (uint64, error) {
	var first uint64
	for i, r := range f {
		seq, err := r.Record(ctx, e)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			first = seq
		}
	}
	return first, nil
}
