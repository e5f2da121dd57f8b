package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bequest-labs/bequest/pkg/plan"
)

// SQLLedger mirrors the audit chain into a SQL database. It works
// against both Postgres (lib/pq) and SQLite (modernc.org/sqlite);
// both drivers accept the $n placeholder style.
type SQLLedger struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLLedger wraps an open database handle. Call Init before first
// use.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now}
}

// WithClock overrides the time source. Used in tests.
func (s *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	s.clock = clock
	return s
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS plan_events (
	sequence     BIGINT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	plan_id      BIGINT NOT NULL,
	actor        TEXT NOT NULL DEFAULT '',
	ts           TIMESTAMP NOT NULL,
	prev_hash    TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS plan_events_plan_idx ON plan_events (plan_id);
`

// Init creates the events table if it does not exist.
func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, eventsSchema)
	return err
}

// Record appends an event, chaining it to the stored head inside one
// transaction.
func (s *SQLLedger) Record(ctx context.Context, e Event) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	head := genesisHash
	row := tx.QueryRowContext(ctx, `SELECT sequence, content_hash FROM plan_events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&seq, &head); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("ledger: reading head: %w", err)
	}
	seq++

	contentHash, err := hashEntry(uint64(seq), e, head)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(e.Data)
	if err != nil {
		return 0, fmt.Errorf("ledger: encoding payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plan_events (sequence, event_type, plan_id, actor, ts, prev_hash, content_hash, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		seq, string(e.Type), int64(e.PlanID), string(e.Actor), s.clock().UTC(), head, contentHash, string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: inserting entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: commit append: %w", err)
	}
	return uint64(seq), nil
}

// Select returns the entries matching q in chain order.
func (s *SQLLedger) Select(ctx context.Context, q Query) ([]Entry, error) {
	query := `SELECT sequence, event_type, plan_id, actor, ts, prev_hash, content_hash, payload FROM plan_events`
	conds := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if q.PlanID != 0 {
		conds = append(conds, fmt.Sprintf("plan_id = $%d", len(args)+1))
		args = append(args, int64(q.PlanID))
	}
	if q.Type != "" {
		conds = append(conds, fmt.Sprintf("event_type = $%d", len(args)+1))
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)+1))
		args = append(args, q.Since.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY sequence ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Head returns the stored chain head: the last sequence number and its
// content hash, or 0 and the genesis hash for an empty trail.
func (s *SQLLedger) Head(ctx context.Context) (uint64, string, error) {
	var seq int64
	head := genesisHash
	row := s.db.QueryRowContext(ctx, `SELECT sequence, content_hash FROM plan_events ORDER BY sequence DESC LIMIT 1`)
	if err := row.Scan(&seq, &head); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("ledger: reading head: %w", err)
	}
	return uint64(seq), head, nil
}

// Verify walks the stored chain in order, recomputing every hash. The
// returned error reports I/O failures only; chain defects come back as
// (false, diagnostic).
func (s *SQLLedger) Verify(ctx context.Context) (bool, string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sequence, event_type, plan_id, actor, ts, prev_hash, content_hash, payload FROM plan_events ORDER BY sequence ASC`)
	if err != nil {
		return false, "", fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prev := genesisHash
	var expect uint64 = 1
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return false, "", err
		}
		if e.Sequence != expect {
			return false, fmt.Sprintf("sequence gap: expected %d, got %d", expect, e.Sequence), nil
		}
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", e.Sequence, prev, e.PrevHash), nil
		}
		computed, err := hashEntry(e.Sequence, Event{Type: e.Type, PlanID: e.PlanID, Actor: e.Actor, Data: e.Data}, e.PrevHash)
		if err != nil {
			return false, "", err
		}
		if computed != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at entry %d", e.Sequence), nil
		}
		prev = e.ContentHash
		expect++
	}
	if err := rows.Err(); err != nil {
		return false, "", err
	}
	return true, "chain verified", nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		seq     int64
		typ     string
		planID  int64
		actor   string
		ts      time.Time
		prev    string
		content string
		payload string
	)
	if err := rows.Scan(&seq, &typ, &planID, &actor, &ts, &prev, &content, &payload); err != nil {
		return Entry{}, fmt.Errorf("ledger: scan entry: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return Entry{}, fmt.Errorf("ledger: decoding payload of entry %d: %w", seq, err)
	}

	return Entry{
		Sequence:    uint64(seq),
		Type:        EventType(typ),
		PlanID:      plan.ID(planID),
		Actor:       plan.Identity(actor),
		Timestamp:   ts,
		PrevHash:    prev,
		ContentHash: content,
		Data:        data,
	}, nil
}
