// Package postgres implements the segment metadata store on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/compass-agent/compass/internal/store"
)

// Compile-time interface check.
var _ store.SegmentStore = (*Store)(nil)

// Store is a PostgreSQL-backed [store.SegmentStore] holding a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure the segments table exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("segment store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("segment store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("segment store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("segment store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Migrate creates the segments table if it does not exist. Durations are
// stored as nanoseconds of stream time to keep frame arithmetic exact.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS segments (
		    id          BIGSERIAL PRIMARY KEY,
		    session_id  TEXT        NOT NULL,
		    t0_ns       BIGINT      NOT NULL,
		    t1_ns       BIGINT      NOT NULL,
		    sample_rate INTEGER     NOT NULL,
		    byte_len    INTEGER     NOT NULL,
		    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS segments_session_created_idx
		    ON segments (session_id, created_at DESC);`

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create segments table: %w", err)
	}
	return nil
}

// WriteSegment implements [store.SegmentStore].
func (s *Store) WriteSegment(ctx context.Context, rec store.SegmentRecord) error {
	const q = `
		INSERT INTO segments (session_id, t0_ns, t1_ns, sample_rate, byte_len)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.T0.Nanoseconds(),
		rec.T1.Nanoseconds(),
		rec.SampleRate,
		rec.ByteLen,
	)
	if err != nil {
		return fmt.Errorf("segment store: write segment: %w", err)
	}
	return nil
}

// RecentSegments implements [store.SegmentStore]. Records are returned
// newest first.
func (s *Store) RecentSegments(ctx context.Context, sessionID string, limit int) ([]store.SegmentRecord, error) {
	const q = `
		SELECT session_id, t0_ns, t1_ns, sample_rate, byte_len, created_at
		FROM   segments
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("segment store: recent segments: %w", err)
	}
	defer rows.Close()

	var out []store.SegmentRecord
	for rows.Next() {
		var rec store.SegmentRecord
		var t0, t1 int64
		if err := rows.Scan(&rec.SessionID, &t0, &t1, &rec.SampleRate, &rec.ByteLen, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("segment store: scan segment: %w", err)
		}
		rec.T0 = time.Duration(t0)
		rec.T1 = time.Duration(t1)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("segment store: iterate segments: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
