package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bequest-labs/bequest/pkg/plan"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the Backend for single-node deployments, backed by
// modernc.org/sqlite (no cgo). Identity lists are stored as JSON text;
// timestamps as RFC 3339 text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open SQLite handle and creates the schema if
// needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: sqlite migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS plans (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		executor TEXT NOT NULL,
		beneficiaries TEXT NOT NULL,
		shares_bps TEXT NOT NULL,
		guardians TEXT NOT NULL,
		threshold INTEGER NOT NULL,
		heartbeat_interval INTEGER NOT NULL,
		metadata_uri TEXT NOT NULL DEFAULT '',
		last_heartbeat TEXT NOT NULL,
		released INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS plan_approvals (
		plan_id INTEGER NOT NULL,
		guardian TEXT NOT NULL,
		approved_at TEXT NOT NULL,
		PRIMARY KEY (plan_id, guardian)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const planColumns = `id, owner, executor, beneficiaries, shares_bps, guardians, threshold, heartbeat_interval, metadata_uri, last_heartbeat, released, created_at`

func (s *SQLiteStore) Insert(ctx context.Context, p *plan.Plan) (plan.ID, error) {
	bens, shares, guards, err := encodeLists(p)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (owner, executor, beneficiaries, shares_bps, guardians, threshold, heartbeat_interval, metadata_uri, last_heartbeat, released, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		string(p.Owner), string(p.Executor), bens, shares, guards, p.Threshold, p.HeartbeatInterval, p.MetadataURI,
		p.LastHeartbeat.UTC().Format(time.RFC3339Nano), p.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("store: inserting plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: reading inserted id: %w", err)
	}
	p.ID = plan.ID(id)
	return p.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id plan.ID) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, int64(id))
	p, err := scanSQLitePlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, plan.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) SetHeartbeat(ctx context.Context, id plan.ID, at time.Time) error {
	return s.updateOne(ctx, `UPDATE plans SET last_heartbeat = ? WHERE id = ?`, at.UTC().Format(time.RFC3339Nano), int64(id))
}

func (s *SQLiteStore) SetExecutor(ctx context.Context, id plan.ID, executor plan.Identity) error {
	return s.updateOne(ctx, `UPDATE plans SET executor = ? WHERE id = ?`, string(executor), int64(id))
}

func (s *SQLiteStore) MarkReleased(ctx context.Context, id plan.ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET released = 1 WHERE id = ? AND released = 0`, int64(id))
	if err != nil {
		return fmt.Errorf("store: latching release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the plan is missing or the latch was already set.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return plan.ErrAlreadyReleased
	}
	return nil
}

func (s *SQLiteStore) ClearReleased(ctx context.Context, id plan.ID) error {
	return s.updateOne(ctx, `UPDATE plans SET released = 0 WHERE id = ?`, int64(id))
}

func (s *SQLiteStore) AddApproval(ctx context.Context, id plan.ID, guardian plan.Identity) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_approvals (plan_id, guardian, approved_at)
		VALUES (?, ?, ?)
		ON CONFLICT (plan_id, guardian) DO NOTHING`,
		int64(id), string(guardian), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: recording approval: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasApproved(ctx context.Context, id plan.ID, guardian plan.Identity) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM plan_approvals WHERE plan_id = ? AND guardian = ?`, int64(id), string(guardian)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) ApprovalCount(ctx context.Context, id plan.ID) (uint32, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_approvals WHERE plan_id = ?`, int64(id)).Scan(&n); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func (s *SQLiteStore) Unreleased(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE released = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]plan.Plan, 0)
	for rows.Next() {
		p, err := scanSQLitePlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *SQLiteStore) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return plan.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePlan(row rowScanner) (*plan.Plan, error) {
	var (
		id        int64
		owner     string
		executor  string
		bens      string
		shares    string
		guards    string
		threshold int64
		interval  int64
		metadata  string
		heartbeat string
		released  int64
		created   string
	)
	if err := row.Scan(&id, &owner, &executor, &bens, &shares, &guards, &threshold, &interval, &metadata, &heartbeat, &released, &created); err != nil {
		return nil, err
	}

	p := &plan.Plan{
		ID:                plan.ID(id),
		Owner:             plan.Identity(owner),
		Executor:          plan.Identity(executor),
		Threshold:         uint32(threshold),
		HeartbeatInterval: interval,
		MetadataURI:       metadata,
		LastHeartbeat:     parseStoredTime(heartbeat),
		Released:          released != 0,
		CreatedAt:         parseStoredTime(created),
	}
	if err := decodeLists(bens, shares, guards, p); err != nil {
		return nil, err
	}
	return p, nil
}

func encodeLists(p *plan.Plan) (string, string, string, error) {
	bens, err := json.Marshal(p.Beneficiaries)
	if err != nil {
		return "", "", "", fmt.Errorf("store: encoding beneficiaries: %w", err)
	}
	shares, err := json.Marshal(p.SharesBps)
	if err != nil {
		return "", "", "", fmt.Errorf("store: encoding shares: %w", err)
	}
	guards, err := json.Marshal(p.Guardians)
	if err != nil {
		return "", "", "", fmt.Errorf("store: encoding guardians: %w", err)
	}
	return string(bens), string(shares), string(guards), nil
}

func decodeLists(bens, shares, guards string, p *plan.Plan) error {
	if err := json.Unmarshal([]byte(bens), &p.Beneficiaries); err != nil {
		return fmt.Errorf("store: decoding beneficiaries: %w", err)
	}
	if err := json.Unmarshal([]byte(shares), &p.SharesBps); err != nil {
		return fmt.Errorf("store: decoding shares: %w", err)
	}
	if err := json.Unmarshal([]byte(guards), &p.Guardians); err != nil {
		return fmt.Errorf("store: decoding guardians: %w", err)
	}
	return nil
}

func parseStoredTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
