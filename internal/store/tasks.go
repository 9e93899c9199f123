package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"todoflow/internal/model"
)

const taskColumns = `id, kind, payload, status, attempts, max_attempts,
	scheduled_at, claimed_at, claimed_by, last_error, created_at, updated_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.Kind, &t.Payload, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.ScheduledAt, &t.ClaimedAt, &t.ClaimedBy, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// CreateTask persists a new pending task visible at notBefore.
func (s *Store) CreateTask(ctx context.Context, kind string, payload json.RawMessage, notBefore time.Time, maxAttempts int) (model.Task, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	id := "tsk_" + uuid.NewString()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, kind, payload, status, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, 'pending', $4, $5)
		RETURNING `+taskColumns,
		id, kind, payload, maxAttempts, notBefore.UTC())
	return scanTask(row)
}

// ClaimNext atomically moves the oldest visible task to running and
// records who claimed it. SKIP LOCKED keeps concurrent workers off the
// same row; exactly one claimer wins each task.
func (s *Store) ClaimNext(ctx context.Context, worker string) (model.Task, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = 'running', claimed_at = now(), claimed_by = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM tasks
			WHERE status IN ('pending', 'retry_scheduled') AND scheduled_at <= now()
			ORDER BY scheduled_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns, worker)
	t, err := scanTask(row)
	if errors.Is(err, ErrNotFound) {
		return model.Task{}, ErrNoTask
	}
	return t, err
}

// MarkSucceeded finishes a running task. Terminal. Returns ErrNotRunning
// when the claim was lost in the meantime, so the caller knows its
// result no longer counts.
func (s *Store) MarkSucceeded(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'succeeded', updated_at = now()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRunning
	}
	return nil
}

// MarkRetry schedules another attempt at retryAt.
func (s *Store) MarkRetry(ctx context.Context, id string, attempts int, lastErr string, retryAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'retry_scheduled', attempts = $2, last_error = $3,
			scheduled_at = $4, claimed_by = '', claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'running'`, id, attempts, lastErr, retryAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRunning
	}
	return nil
}

// MarkFailed is terminal; failed tasks are never retried.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, lastErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'failed', attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'running'`, id, attempts, lastErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotRunning
	}
	return nil
}

// CancelTask cancels a task that has not started running. The same
// conditional-update primitive as ClaimNext arbitrates the race between
// cancellation and a concurrent claim.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retry_scheduled')`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *Store) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// ListTasks returns recent tasks, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]model.Task, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+taskColumns+` FROM tasks WHERE status = $1
			ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ReclaimExpired returns running tasks whose lease ran out to pending.
// A worker that died mid-task loses the claim here and someone else
// picks the task up again.
func (s *Store) ReclaimExpired(ctx context.Context, lease time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = 'pending', claimed_by = '', claimed_at = NULL,
			scheduled_at = now(), updated_at = now()
		WHERE status = 'running' AND claimed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(lease.Seconds())))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// PurgeTerminal garbage-collects terminal records past the retention window.
func (s *Store) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM tasks
		WHERE status IN ('succeeded', 'failed', 'cancelled')
		  AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
