package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// PostgresIdempotencyStore provides durable idempotency enforcement
// backed by PostgreSQL, so replays survive process restarts.
type PostgresIdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresIdempotencyStore creates a PostgreSQL-backed store.
func NewPostgresIdempotencyStore(db *sql.DB, ttl time.Duration) *PostgresIdempotencyStore {
	return &PostgresIdempotencyStore{db: db, ttl: ttl}
}

// Init creates the idempotency table if it does not exist.
func (s *PostgresIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key          TEXT PRIMARY KEY,
			status_code  INTEGER NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'application/json',
			body         BYTEA NOT NULL,
			cached_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("api: creating idempotency_keys table: %w", err)
	}
	return nil
}

// Check returns a cached response if the key was seen within TTL.
func (s *PostgresIdempotencyStore) Check(key string) (*CachedResponse, bool) {
	var statusCode int
	var contentType string
	var body []byte
	var cachedAt time.Time

	err := s.db.QueryRow(
		`SELECT status_code, content_type, body, cached_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&statusCode, &contentType, &body, &cachedAt)
	if err != nil {
		return nil, false
	}

	if time.Since(cachedAt) > s.ttl {
		_, _ = s.db.Exec(`DELETE FROM idempotency_keys WHERE key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	hdr.Set("Content-Type", contentType)

	return &CachedResponse{
		StatusCode: statusCode,
		Headers:    hdr,
		Body:       body,
		CachedAt:   cachedAt,
	}, true
}

// Set stores an idempotency key and its response. Only the content
// type survives of the headers; replayed responses are JSON bodies.
func (s *PostgresIdempotencyStore) Set(key string, statusCode int, headers http.Header, body []byte) {
	contentType := headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	_, err := s.db.Exec(
		`INSERT INTO idempotency_keys (key, status_code, content_type, body, cached_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (key) DO UPDATE SET status_code = $2, content_type = $3, body = $4, cached_at = NOW()`,
		key, statusCode, contentType, body,
	)
	if err != nil {
		// Idempotency is best-effort enrichment; the request itself
		// already succeeded.
		slog.Warn("idempotency: storing key failed", "key", key, "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *PostgresIdempotencyStore) Cleanup() {
	_, _ = s.db.Exec(
		`DELETE FROM idempotency_keys WHERE cached_at < $1`,
		time.Now().Add(-s.ttl),
	)
}
