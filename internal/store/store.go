// Package store is the pgx-backed durable store. It is the only source
// of strong consistency: task claims, cancellations and lease reclaims
// all go through single conditional UPDATEs here.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoTask is returned by ClaimNext when nothing is visible.
	ErrNoTask = errors.New("no task ready")
	// ErrNotCancellable is returned when a task has left the
	// pending/retry_scheduled states and can no longer be cancelled.
	ErrNotCancellable = errors.New("task not cancellable")
	// ErrNotRunning is returned when a worker's transition finds the
	// task no longer running, e.g. after the sweeper reclaimed its lease.
	ErrNotRunning = errors.New("task not running")
)

// Store wraps a pgx pool shared by the repositories of one process.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect builds the pool without pinging it; liveness is the
// readiness gate's job.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping is the liveness probe the readiness gate uses.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}',
	status       TEXT NOT NULL DEFAULT 'pending',
	attempts     INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 5,
	scheduled_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at   TIMESTAMPTZ,
	claimed_by   TEXT NOT NULL DEFAULT '',
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, scheduled_at);

CREATE TABLE IF NOT EXISTS todos (
	id           BIGSERIAL PRIMARY KEY,
	title        VARCHAR(200) NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	due_date     TIMESTAMPTZ,
	completed    BOOLEAN NOT NULL DEFAULT false,
	due_notified BOOLEAN NOT NULL DEFAULT false,
	user_name    TEXT NOT NULL,
	categories   TEXT[] NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_todos_due ON todos (completed, due_notified, due_date);

CREATE TABLE IF NOT EXISTS comments (
	id         BIGSERIAL PRIMARY KEY,
	task_id    BIGINT NOT NULL,
	text       VARCHAR(500) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_comments_task ON comments (task_id);
`

// EnsureSchema creates the tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
