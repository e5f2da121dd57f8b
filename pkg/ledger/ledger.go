// Package ledger is the audit trail of the release engine. Every plan
// mutation is recorded as a hash-chained entry: each entry's content
// hash covers its predecessor's hash, so any tampering with history
// breaks the chain at the altered entry. The in-memory Ledger serves
// queries and verification; SQLLedger mirrors the same chain into
// Postgres or SQLite for durability.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bequest-labs/bequest/pkg/canonicalize"
	"github.com/bequest-labs/bequest/pkg/crypto"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// genesisHash seeds the chain before the first entry.
const genesisHash = "genesis"

// Entry is an immutable, hash-chained audit record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	Type        EventType      `json:"type"`
	PlanID      plan.ID        `json:"plan_id"`
	Actor       plan.Identity  `json:"actor,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	PrevHash    string         `json:"prev_hash"`
	ContentHash string         `json:"content_hash"`
	Data        map[string]any `json:"data,omitempty"`
}

// hashEntry computes the content hash binding an event to its position
// in the chain.
func hashEntry(seq uint64, e Event, prevHash string) (string, error) {
	hashInput := struct {
		Seq    uint64         `json:"seq"`
		Type   EventType      `json:"type"`
		PlanID plan.ID        `json:"plan_id"`
		Actor  plan.Identity  `json:"actor"`
		Data   map[string]any `json:"data"`
		Prev   string         `json:"prev"`
	}{seq, e.Type, e.PlanID, e.Actor, e.Data, prevHash}

	addr, err := canonicalize.ContentAddress(hashInput)
	if err != nil {
		return "", fmt.Errorf("ledger: hashing entry failed: %w", err)
	}
	return addr, nil
}

// Ledger is an append-only, hash-chained log held in memory.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make([]Entry, 0),
		head:    genesisHash,
		clock:   time.Now,
	}
}

// WithClock overrides the time source. Used in tests.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Record appends an event and returns its sequence number.
func (l *Ledger) Record(_ context.Context, e Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	contentHash, err := hashEntry(seq, e, l.head)
	if err != nil {
		return 0, err
	}

	l.entries = append(l.entries, Entry{
		Sequence:    seq,
		Type:        e.Type,
		PlanID:      e.PlanID,
		Actor:       e.Actor,
		Timestamp:   l.clock(),
		PrevHash:    l.head,
		ContentHash: contentHash,
		Data:        e.Data,
	})
	l.head = contentHash

	return seq, nil
}

// Get retrieves an entry by sequence number.
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledger: entry %d not found", seq)
	}
	entry := l.entries[seq-1]
	return &entry, nil
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Query selects entries. Zero-valued fields match everything.
type Query struct {
	PlanID plan.ID
	Type   EventType
	Since  time.Time
	Limit  int
}

// Select returns the entries matching q in chain order.
func (l *Ledger) Select(q Query) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range l.entries {
		if q.PlanID != 0 && e.PlanID != q.PlanID {
			continue
		}
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Verify walks the whole chain, recomputing every hash. It returns
// false and a diagnostic at the first broken link.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		computed, err := hashEntry(e.Sequence, Event{Type: e.Type, PlanID: e.PlanID, Actor: e.Actor, Data: e.Data}, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("failed to hash entry %d", i+1)
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return true, "chain verified"
}

// Checkpoint is a signed statement of the chain head at a point in
// time. Anyone holding a checkpoint can later detect truncation or
// rewriting of the trail up to that sequence.
type Checkpoint struct {
	Sequence  uint64    `json:"sequence"`
	Head      string    `json:"head"`
	At        time.Time `json:"at"`
	Signature string    `json:"signature,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
}

// Checkpoint captures and, if sealer is non-nil, signs the current
// head.
func (l *Ledger) Checkpoint(sealer crypto.Sealer) (*Checkpoint, error) {
	l.mu.RLock()
	cp := &Checkpoint{
		Sequence: uint64(len(l.entries)),
		Head:     l.head,
		At:       l.clock(),
	}
	l.mu.RUnlock()

	if sealer == nil {
		return cp, nil
	}

	msg, err := checkpointBytes(cp)
	if err != nil {
		return nil, err
	}
	sig, err := sealer.Seal(msg)
	if err != nil {
		return nil, fmt.Errorf("ledger: sealing checkpoint failed: %w", err)
	}
	cp.Signature = sig
	cp.PublicKey = sealer.PublicKey()
	return cp, nil
}

// VerifyCheckpoint checks a checkpoint's signature.
func VerifyCheckpoint(cp *Checkpoint) (bool, error) {
	if cp.Signature == "" || cp.PublicKey == "" {
		return false, fmt.Errorf("ledger: checkpoint is unsigned")
	}
	msg, err := checkpointBytes(cp)
	if err != nil {
		return false, err
	}
	return crypto.Verify(cp.PublicKey, cp.Signature, msg)
}

func checkpointBytes(cp *Checkpoint) ([]byte, error) {
	msg, err := canonicalize.JCS(struct {
		Sequence uint64    `json:"sequence"`
		Head     string    `json:"head"`
		At       time.Time `json:"at"`
	}{cp.Sequence, cp.Head, cp.At})
	if err != nil {
		return nil, fmt.Errorf("ledger: encoding checkpoint failed: %w", err)
	}
	return msg, nil
}
