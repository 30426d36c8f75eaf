package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PG is a PostgreSQL-backed fixed-window limiter, used when Redis is not configured.
type PG struct {
	pool   pgxQuerier
	limit  int
	window time.Duration
	now    func() time.Time
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter over q.
func NewPG(q pgxQuerier, limit int, window time.Duration) *PG {
	return &PG{pool: q, limit: limit, window: window, now: time.Now}
}

// Allow counts one request in the current window with a single upsert.
func (l *PG) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now()
	start := windowStart(now, l.window)

	const q = `
INSERT INTO request_limits (key, window_start, hits)
VALUES ($1, $2, 1)
ON CONFLICT (key) DO UPDATE
SET
  hits = CASE WHEN request_limits.window_start < EXCLUDED.window_start THEN 1 ELSE request_limits.hits + 1 END,
  window_start = GREATEST(request_limits.window_start, EXCLUDED.window_start)
RETURNING hits`
	var hits int
	if err := l.pool.QueryRow(ctx, q, key, start).Scan(&hits); err != nil {
		return false, 0, err
	}
	if hits > l.limit {
		return false, retryAfter(start, l.window, now), nil
	}
	return true, 0, nil
}

// Prune removes counters of windows that ended before now.
func (l *PG) Prune(ctx context.Context) error {
	const q = `DELETE FROM request_limits WHERE window_start < $1`
	_, err := l.pool.Exec(ctx, q, windowStart(l.now(), l.window))
	return err
}
