package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// MemoryStore is the in-process Backend used by tests, the demo node,
// and single-shot CLI runs. All methods copy plans on the way in and
// out, so callers never share mutable state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	plans     map[plan.ID]*plan.Plan
	approvals map[plan.ID]map[plan.Identity]struct{}
	nextID    plan.ID
}

// NewMemoryStore returns an empty store. The first inserted plan gets
// identifier 1.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:     make(map[plan.ID]*plan.Plan),
		approvals: make(map[plan.ID]map[plan.Identity]struct{}),
		nextID:    1,
	}
}

// Insert stores a copy of p under the next identifier.
func (m *MemoryStore) Insert(_ context.Context, p *plan.Plan) (plan.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	cp := clonePlan(p)
	cp.ID = id
	m.plans[id] = cp
	p.ID = id
	return id, nil
}

// Get returns a copy of the stored plan.
func (m *MemoryStore) Get(_ context.Context, id plan.ID) (*plan.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plans[id]
	if !ok {
		return nil, plan.ErrNotFound
	}
	return clonePlan(p), nil
}

// SetHeartbeat updates the last-heartbeat time.
func (m *MemoryStore) SetHeartbeat(_ context.Context, id plan.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return plan.ErrNotFound
	}
	p.LastHeartbeat = at
	return nil
}

// SetExecutor replaces the executor identity.
func (m *MemoryStore) SetExecutor(_ context.Context, id plan.ID, executor plan.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return plan.ErrNotFound
	}
	p.Executor = executor
	return nil
}

// MarkReleased latches the released flag.
func (m *MemoryStore) MarkReleased(_ context.Context, id plan.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return plan.ErrNotFound
	}
	if p.Released {
		return plan.ErrAlreadyReleased
	}
	p.Released = true
	return nil
}

// ClearReleased rolls the latch back after a failed release call-out.
func (m *MemoryStore) ClearReleased(_ context.Context, id plan.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.plans[id]
	if !ok {
		return plan.ErrNotFound
	}
	p.Released = false
	return nil
}

// AddApproval records guardian's approval. Repeats are no-ops.
func (m *MemoryStore) AddApproval(_ context.Context, id plan.ID, guardian plan.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.plans[id]; !ok {
		return plan.ErrNotFound
	}
	set, ok := m.approvals[id]
	if !ok {
		set = make(map[plan.Identity]struct{})
		m.approvals[id] = set
	}
	set[guardian] = struct{}{}
	return nil
}

// HasApproved reports whether guardian already approved.
func (m *MemoryStore) HasApproved(_ context.Context, id plan.ID, guardian plan.Identity) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.plans[id]; !ok {
		return false, plan.ErrNotFound
	}
	_, ok := m.approvals[id][guardian]
	return ok, nil
}

// ApprovalCount returns the number of distinct approving guardians.
func (m *MemoryStore) ApprovalCount(_ context.Context, id plan.ID) (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.plans[id]; !ok {
		return 0, plan.ErrNotFound
	}
	return uint32(len(m.approvals[id])), nil
}

// Unreleased returns copies of all unreleased plans in identifier
// order.
func (m *MemoryStore) Unreleased(_ context.Context) ([]plan.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]plan.Plan, 0)
	for _, p := range m.plans {
		if !p.Released {
			out = append(out, *clonePlan(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of plans ever created.
func (m *MemoryStore) Count(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.plans)), nil
}

func clonePlan(p *plan.Plan) *plan.Plan {
	cp := *p
	cp.Beneficiaries = append([]plan.Identity(nil), p.Beneficiaries...)
	cp.SharesBps = append([]uint32(nil), p.SharesBps...)
	cp.Guardians = append([]plan.Identity(nil), p.Guardians...)
	return &cp
}
