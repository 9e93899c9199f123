package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"todoflow/internal/model"
)

func scanComment(row pgx.Row) (model.Comment, error) {
	var c model.Comment
	err := row.Scan(&c.ID, &c.TodoID, &c.Text, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Comment{}, ErrNotFound
	}
	if err != nil {
		return model.Comment{}, fmt.Errorf("scan comment: %w", err)
	}
	return c, nil
}

func (s *Store) CreateComment(ctx context.Context, todoID int64, text string) (model.Comment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO comments (task_id, text) VALUES ($1, $2)
		RETURNING id, task_id, text, created_at`, todoID, text)
	return scanComment(row)
}

func (s *Store) GetComment(ctx context.Context, id int64) (model.Comment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, task_id, text, created_at FROM comments WHERE id = $1`, id)
	return scanComment(row)
}

func (s *Store) ListComments(ctx context.Context, todoID int64) ([]model.Comment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, text, created_at FROM comments
		WHERE task_id = $1 ORDER BY created_at`, todoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	comments := []model.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *Store) DeleteComment(ctx context.Context, id int64) (model.Comment, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM comments WHERE id = $1
		RETURNING id, task_id, text, created_at`, id)
	return scanComment(row)
}
