package admission

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS rate_limit_events (
	id         BIGSERIAL PRIMARY KEY,
	scope_key  TEXT        NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_events_scope_ts
	ON rate_limit_events (scope_key, timestamp);
`

// lockQuery serializes admission per client for the rest of the transaction.
// Without it two READ COMMITTED transactions can both count limit-1 and both
// insert.
const lockQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

// admitQuery records an event only while the client is under its limit.
const admitQuery = `
	INSERT INTO rate_limit_events (scope_key, timestamp)
	SELECT $1, $2
	WHERE (
		SELECT COUNT(*)
		FROM rate_limit_events
		WHERE scope_key = $1
		  AND timestamp > $3
	) < $4
`

const cleanupQuery = `
	DELETE FROM rate_limit_events
	WHERE timestamp < $1
`

// SlidingWindow limits clients to a number of requests in any trailing
// window, shared across every instance that points at the same database.
type SlidingWindow struct {
	db     *sql.DB
	limit  int
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewSlidingWindow creates a gate over db allowing limit requests per window.
func NewSlidingWindow(db *sql.DB, limit int, window time.Duration, logger *slog.Logger) (*SlidingWindow, error) {
	if limit < 1 {
		return nil, fmt.Errorf("rate limit must be at least 1, got %d", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", window)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlidingWindow{
		db:     db,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}, nil
}

// EnsureSchema creates the events table if it does not exist.
func (s *SlidingWindow) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create rate limit schema: %w", err)
	}
	return nil
}

// Allow admits clientKey if it made fewer than limit requests in the
// trailing window, and records the admitted request. Concurrent calls for
// the same client, from any instance, are serialized by an advisory lock.
func (s *SlidingWindow) Allow(ctx context.Context, clientKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin rate limit transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, lockQuery, clientKey); err != nil {
		return false, fmt.Errorf("failed to lock rate limit key: %w", err)
	}

	now := s.now()
	res, err := tx.ExecContext(ctx, admitQuery, clientKey, now, now.Add(-s.window), s.limit)
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit rate limit event: %w", err)
	}
	return n == 1, nil
}

// Cleanup removes events older than olderThan.
func (s *SlidingWindow) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, cleanupQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup rate limit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	s.logger.Debug("cleaned up rate limit events", "rows_deleted", n, "cutoff", cutoff)
	return n, nil
}

// StartCleanupWorker deletes expired events every interval until ctx is done.
func (s *SlidingWindow) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker", "interval", interval)
	for {
		select {
		case <-ticker.C:
			if _, err := s.Cleanup(ctx, 2*s.window); err != nil {
				s.logger.Error("rate limit cleanup failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}

var _ Gate = (*SlidingWindow)(nil)
