// Package plan defines the domain types for inheritance plans: the
// participants (owner, executor, guardians, beneficiaries), the liveness
// contract (heartbeat interval and last-seen time), and the one-way
// released latch. Creation-time validation lives here so that every
// entry point (HTTP, CLI, demo harness) rejects malformed plans with
// the same errors in the same order.
package plan

import (
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Identity names a participant in a plan: the owner, the executor, a
// guardian, or a beneficiary. Identities are opaque operator-chosen
// strings (account IDs, wallet addresses, directory principals).
type Identity string

// NormalizeIdentity returns id in Unicode NFC form. Membership and
// duplicate checks compare normalized identities, so two spellings of
// the same composed character count as one participant.
func NormalizeIdentity(id Identity) Identity {
	return Identity(norm.NFC.String(string(id)))
}

// ID identifies a plan. IDs are assigned in increasing order starting
// at 1; 0 is never issued.
type ID uint64

// TotalBasisPoints is the required sum of a plan's beneficiary shares.
// Shares are expressed in basis points, so 10000 means the full estate.
const TotalBasisPoints uint32 = 10000

// Params carries the caller-supplied fields of a plan creation request.
type Params struct {
	Executor          Identity   `json:"executor"`
	Beneficiaries     []Identity `json:"beneficiaries"`
	SharesBps         []uint32   `json:"shares_bps"`
	Guardians         []Identity `json:"guardians"`
	Threshold         uint32     `json:"threshold"`
	HeartbeatInterval int64      `json:"heartbeat_interval_seconds"`
	MetadataURI       string     `json:"metadata_uri,omitempty"`
}

// Normalized returns a copy of p with every identity in NFC form.
// Stores normalize params before validating them, so Validate may
// assume its input is already in normal form.
func (p Params) Normalized() Params {
	q := p
	q.Executor = NormalizeIdentity(p.Executor)
	q.Beneficiaries = normalizeAll(p.Beneficiaries)
	q.Guardians = normalizeAll(p.Guardians)
	return q
}

func normalizeAll(ids []Identity) []Identity {
	if ids == nil {
		return nil
	}
	out := make([]Identity, len(ids))
	for i, id := range ids {
		out[i] = NormalizeIdentity(id)
	}
	return out
}

// Validate checks p against the creation rules. Checks run in a fixed
// order and the first failure wins, so a given request always produces
// the same error. Duplicate detection compares identities byte-wise;
// call Normalized first.
func (p Params) Validate() error {
	if p.Executor == "" {
		return ErrExecutorRequired
	}
	if len(p.Beneficiaries) == 0 {
		return ErrNoBeneficiaries
	}
	if len(p.Beneficiaries) != len(p.SharesBps) {
		return fmt.Errorf("%w: %d beneficiaries, %d shares", ErrShareMismatch, len(p.Beneficiaries), len(p.SharesBps))
	}
	var sum uint64
	for _, s := range p.SharesBps {
		sum += uint64(s)
	}
	if sum != uint64(TotalBasisPoints) {
		return fmt.Errorf("%w: got %d", ErrShareSum, sum)
	}
	if p.Threshold == 0 || uint64(p.Threshold) > uint64(len(p.Guardians)) {
		return fmt.Errorf("%w: threshold %d with %d guardians", ErrThresholdInvalid, p.Threshold, len(p.Guardians))
	}
	if p.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: %d", ErrHeartbeatInterval, p.HeartbeatInterval)
	}
	if dup, ok := firstDuplicate(p.Guardians); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateGuardian, dup)
	}
	if dup, ok := firstDuplicate(p.Beneficiaries); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBeneficiary, dup)
	}
	return nil
}

func firstDuplicate(ids []Identity) (Identity, bool) {
	seen := make(map[Identity]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return "", false
}

// Plan is the authoritative record of a single inheritance plan.
type Plan struct {
	ID                ID         `json:"id"`
	Owner             Identity   `json:"owner"`
	Executor          Identity   `json:"executor"`
	Beneficiaries     []Identity `json:"beneficiaries"`
	SharesBps         []uint32   `json:"shares_bps"`
	Guardians         []Identity `json:"guardians"`
	Threshold         uint32     `json:"threshold"`
	HeartbeatInterval int64      `json:"heartbeat_interval_seconds"`
	MetadataURI       string     `json:"metadata_uri,omitempty"`
	LastHeartbeat     time.Time  `json:"last_heartbeat"`
	Released          bool       `json:"released"`
	CreatedAt         time.Time  `json:"created_at"`
}

// HasGuardian reports whether id (already normalized) is one of the
// plan's guardians.
func (p *Plan) HasGuardian(id Identity) bool {
	for _, g := range p.Guardians {
		if g == id {
			return true
		}
	}
	return false
}

// Deadline returns the instant the plan becomes eligible for timeout
// release: the last heartbeat plus the heartbeat interval. The deadline
// itself is not eligible; only instants strictly after it are.
func (p *Plan) Deadline() time.Time {
	return p.LastHeartbeat.Add(time.Duration(p.HeartbeatInterval) * time.Second)
}

// Snapshot is a read view of a plan plus derived release state.
type Snapshot struct {
	Plan
	Approvals  uint32    `json:"approvals"`
	EligibleAt time.Time `json:"eligible_at"`
}
