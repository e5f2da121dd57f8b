package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bequest-labs/bequest/pkg/plan"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Backend. Identity lists are stored
// as JSONB.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. Run Init (or the
// bootstrap command) before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS plans (
	id BIGSERIAL PRIMARY KEY,
	owner TEXT NOT NULL,
	executor TEXT NOT NULL,
	beneficiaries JSONB NOT NULL,
	shares_bps JSONB NOT NULL,
	guardians JSONB NOT NULL,
	threshold INTEGER NOT NULL,
	heartbeat_interval BIGINT NOT NULL,
	metadata_uri TEXT NOT NULL DEFAULT '',
	last_heartbeat TIMESTAMPTZ NOT NULL,
	released BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS plan_approvals (
	plan_id BIGINT NOT NULL REFERENCES plans(id),
	guardian TEXT NOT NULL,
	approved_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (plan_id, guardian)
);`

// Init creates the schema if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, p *plan.Plan) (plan.ID, error) {
	bens, shares, guards, err := encodeLists(p)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO plans (owner, executor, beneficiaries, shares_bps, guardians, threshold, heartbeat_interval, metadata_uri, last_heartbeat, released, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
		RETURNING id`,
		string(p.Owner), string(p.Executor), bens, shares, guards, p.Threshold, p.HeartbeatInterval, p.MetadataURI,
		p.LastHeartbeat.UTC(), p.CreatedAt.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: inserting plan: %w", err)
	}
	p.ID = plan.ID(id)
	return p.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id plan.ID) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, int64(id))
	p, err := scanPostgresPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, plan.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) SetHeartbeat(ctx context.Context, id plan.ID, at time.Time) error {
	return s.updateOne(ctx, `UPDATE plans SET last_heartbeat = $1 WHERE id = $2`, at.UTC(), int64(id))
}

func (s *PostgresStore) SetExecutor(ctx context.Context, id plan.ID, executor plan.Identity) error {
	return s.updateOne(ctx, `UPDATE plans SET executor = $1 WHERE id = $2`, string(executor), int64(id))
}

func (s *PostgresStore) MarkReleased(ctx context.Context, id plan.ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plans SET released = TRUE WHERE id = $1 AND released = FALSE`, int64(id))
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

func (s *PostgresStore) ClearReleased(ctx context.Context, id plan.ID) error {
	return s.updateOne(ctx, `UPDATE plans SET released = FALSE WHERE id = $1`, int64(id))
}

func (s *PostgresStore) AddApproval(ctx context.Context, id plan.ID, guardian plan.Identity) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plan_approvals (plan_id, guardian, approved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (plan_id, guardian) DO NOTHING`,
		int64(id), string(guardian), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: recording approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasApproved(ctx context.Context, id plan.ID, guardian plan.Identity) (bool, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM plan_approvals WHERE plan_id = $1 AND guardian = $2`, int64(id), string(guardian)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ApprovalCount(ctx context.Context, id plan.ID) (uint32, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_approvals WHERE plan_id = $1`, int64(id)).Scan(&n); err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func (s *PostgresStore) Unreleased(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE released = FALSE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]plan.Plan, 0)
	for rows.Next() {
		p, err := scanPostgresPlan(rows)
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

func (s *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (s *PostgresStore) updateOne(ctx context.Context, query string, args ...any) error {
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

func scanPostgresPlan(row rowScanner) (*plan.Plan, error) {
	var (
		id        int64
		owner     string
		executor  string
		bens      []byte
		shares    []byte
		guards    []byte
		threshold int64
		interval  int64
		metadata  string
		heartbeat time.Time
		released  bool
		created   time.Time
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
		LastHeartbeat:     heartbeat,
		Released:          released,
		CreatedAt:         created,
	}
	if err := decodeLists(string(bens), string(shares), string(guards), p); err != nil {
		return nil, err
	}
	return p, nil
}
