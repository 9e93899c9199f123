package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"todoflow/internal/model"
)

const todoColumns = `id, title, description, due_date, completed, user_name, categories, created_at`

func scanTodo(row pgx.Row) (model.Todo, error) {
	var t model.Todo
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.DueDate, &t.Completed,
		&t.UserName, &t.Categories, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Todo{}, ErrNotFound
	}
	if err != nil {
		return model.Todo{}, fmt.Errorf("scan todo: %w", err)
	}
	return t, nil
}

func (s *Store) CreateTodo(ctx context.Context, t model.Todo) (model.Todo, error) {
	if t.Categories == nil {
		t.Categories = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO todos (title, description, due_date, user_name, categories)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+todoColumns,
		t.Title, t.Description, t.DueDate, t.UserName, t.Categories)
	return scanTodo(row)
}

func (s *Store) GetTodo(ctx context.Context, id int64) (model.Todo, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+todoColumns+` FROM todos WHERE id = $1`, id)
	return scanTodo(row)
}

func (s *Store) ListTodos(ctx context.Context, user string, limit int) ([]model.Todo, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if user == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+todoColumns+` FROM todos ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+todoColumns+` FROM todos WHERE user_name = $1
			ORDER BY created_at DESC LIMIT $2`, user, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	todos := []model.Todo{}
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// CompleteTodo marks the item done and returns the updated row.
func (s *Store) CompleteTodo(ctx context.Context, id int64) (model.Todo, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE todos SET completed = true WHERE id = $1
		RETURNING `+todoColumns, id)
	return scanTodo(row)
}

func (s *Store) DeleteTodo(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM todos WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DueTodos lists items whose due date has passed without completion and
// which have not yet been announced.
func (s *Store) DueTodos(ctx context.Context, now time.Time) ([]model.Todo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+todoColumns+` FROM todos
		WHERE completed = false AND due_notified = false AND due_date <= $1
		ORDER BY due_date`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	todos := []model.Todo{}
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		todos = append(todos, t)
	}
	return todos, rows.Err()
}

// MarkDueNotified keeps a due item from being announced on every scan.
func (s *Store) MarkDueNotified(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE todos SET due_notified = true WHERE id = $1`, id)
	return err
}
