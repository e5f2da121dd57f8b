// Package evidence assembles verifiable records of finished plans. A
// pack bundles the plan's final state, every audit event it produced,
// and a signed ledger checkpoint into a single content-addressed
// document that beneficiaries and auditors can verify offline.
package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bequest-labs/bequest/pkg/artifacts"
	"github.com/bequest-labs/bequest/pkg/canonicalize"
	"github.com/bequest-labs/bequest/pkg/crypto"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/plan"
)

// ErrNotFinished is returned when a pack is requested for a plan that
// is still live. Evidence exists only for released or aborted plans.
var ErrNotFinished = errors.New("evidence: plan is still live")

// Outcome names how a plan ended.
type Outcome string

const (
	OutcomeReleased Outcome = "released"
	OutcomeAborted  Outcome = "aborted"
)

// Pack is the exportable evidence document for one finished plan.
// ContentHash covers every field above it; Signature, when present,
// is an Ed25519 signature over the same canonical bytes.
type Pack struct {
	ID          string             `json:"id"`
	PlanID      plan.ID            `json:"plan_id"`
	Outcome     Outcome            `json:"outcome"`
	GeneratedAt time.Time          `json:"generated_at"`
	Plan        plan.Snapshot      `json:"plan"`
	Events      []ledger.Entry     `json:"events"`
	Checkpoint  *ledger.Checkpoint `json:"checkpoint,omitempty"`
	ContentHash string             `json:"content_hash"`
	Signature   string             `json:"signature,omitempty"`
	PublicKey   string             `json:"public_key,omitempty"`
}

// PlanSource is the read surface the builder needs from the plan
// store.
type PlanSource interface {
	Get(ctx context.Context, id plan.ID) (*plan.Snapshot, error)
}

// Builder produces evidence packs from the plan store and audit trail.
type Builder struct {
	plans  PlanSource
	trail  *ledger.Ledger
	sealer crypto.Sealer
	blobs  artifacts.Store
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithSealer makes the builder sign every pack it produces.
func WithSealer(s crypto.Sealer) Option {
	return func(b *Builder) { b.sealer = s }
}

// WithArchive enables Archive by giving the builder a blob store.
func WithArchive(s artifacts.Store) Option {
	return func(b *Builder) { b.blobs = s }
}

// WithClock overrides the time source. Tests use this.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

// NewBuilder returns a Builder over the given plan source and trail.
func NewBuilder(plans PlanSource, trail *ledger.Ledger, opts ...Option) *Builder {
	b := &Builder{
		plans:  plans,
		trail:  trail,
		clock:  time.Now,
		logger: slog.Default().With("component", "evidence"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles the evidence pack for a finished plan. Live plans
// yield ErrNotFinished; a missing plan surfaces the store's not-found
// error unchanged.
func (b *Builder) Build(ctx context.Context, id plan.ID) (*Pack, error) {
	snap, err := b.plans.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !snap.Released {
		return nil, fmt.Errorf("%w: plan %d", ErrNotFinished, id)
	}

	events := b.trail.Select(ledger.Query{PlanID: id})
	outcome := OutcomeReleased
	for _, e := range events {
		if e.Type == ledger.EventAborted {
			outcome = OutcomeAborted
		}
	}

	cp, err := b.trail.Checkpoint(b.sealer)
	if err != nil {
		return nil, fmt.Errorf("evidence: checkpoint: %w", err)
	}

	p := &Pack{
		ID:          uuid.NewString(),
		PlanID:      id,
		Outcome:     outcome,
		GeneratedAt: b.clock().UTC(),
		Plan:        *snap,
		Events:      events,
		Checkpoint:  cp,
	}
	if err := b.seal(p); err != nil {
		return nil, err
	}

	b.logger.Info("evidence pack built",
		"plan_id", id,
		"pack_id", p.ID,
		"outcome", p.Outcome,
		"events", len(p.Events),
		"signed", p.Signature != "")
	return p, nil
}

// seal stamps ContentHash and, when a sealer is configured, Signature
// and PublicKey. The hash and signature cover the same canonical
// bytes, so a verifier needs no knowledge of which was set first.
func (b *Builder) seal(p *Pack) error {
	msg, err := packBytes(p)
	if err != nil {
		return fmt.Errorf("evidence: canonicalize pack: %w", err)
	}
	p.ContentHash = "sha256:" + canonicalize.HashBytes(msg)
	if b.sealer == nil {
		return nil
	}
	sig, err := b.sealer.Seal(msg)
	if err != nil {
		return fmt.Errorf("evidence: sign pack: %w", err)
	}
	p.Signature = sig
	p.PublicKey = b.sealer.PublicKey()
	return nil
}

// Archive writes the pack to the configured blob store and returns
// its content address.
func (b *Builder) Archive(ctx context.Context, p *Pack) (string, error) {
	if b.blobs == nil {
		return "", fmt.Errorf("evidence: no archive store configured")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("evidence: marshal pack: %w", err)
	}
	addr, err := b.blobs.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("evidence: archive pack: %w", err)
	}
	b.logger.Info("evidence pack archived", "pack_id", p.ID, "address", addr)
	return addr, nil
}

// Verify checks a pack's content hash and, when the pack is signed,
// its signature and embedded checkpoint. Unsigned packs pass on the
// hash alone.
func Verify(p *Pack) (bool, error) {
	msg, err := packBytes(p)
	if err != nil {
		return false, fmt.Errorf("evidence: canonicalize pack: %w", err)
	}
	if p.ContentHash != "sha256:"+canonicalize.HashBytes(msg) {
		return false, nil
	}
	if p.Signature == "" {
		return true, nil
	}
	ok, err := crypto.Verify(p.PublicKey, p.Signature, msg)
	if err != nil || !ok {
		return ok, err
	}
	if p.Checkpoint != nil && p.Checkpoint.Signature != "" {
		return ledger.VerifyCheckpoint(p.Checkpoint)
	}
	return true, nil
}

// packBytes canonicalizes the fields covered by the hash and
// signature. ContentHash, Signature, and PublicKey are excluded so
// sealing and verifying operate on identical input.
func packBytes(p *Pack) ([]byte, error) {
	return canonicalize.JCS(struct {
		ID          string             `json:"id"`
		PlanID      plan.ID            `json:"plan_id"`
		Outcome     Outcome            `json:"outcome"`
		GeneratedAt time.Time          `json:"generated_at"`
		Plan        plan.Snapshot      `json:"plan"`
		Events      []ledger.Entry     `json:"events"`
		Checkpoint  *ledger.Checkpoint `json:"checkpoint,omitempty"`
	}{p.ID, p.PlanID, p.Outcome, p.GeneratedAt, p.Plan, p.Events, p.Checkpoint})
}
