// Package model holds the shared entities persisted by the backend,
// worker and comments services.
package model

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a queued unit of work.
type TaskStatus string

const (
	StatusPending        TaskStatus = "pending"
	StatusRunning        TaskStatus = "running"
	StatusSucceeded      TaskStatus = "succeeded"
	StatusFailed         TaskStatus = "failed"
	StatusRetryScheduled TaskStatus = "retry_scheduled"
	StatusCancelled      TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Task is a unit of deferred work. Once enqueued it is owned by the
// dispatcher; producers keep only the ID for status queries.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      TaskStatus      `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Event is an immutable fact published after a durable local write.
// Its ID is globally unique and doubles as the deduplication key.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Source     string          `json:"source"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"produced_at"`
}

// Event types exchanged between the services.
const (
	EventTodoCreated    = "todo.created"
	EventTodoCompleted  = "todo.completed"
	EventTodoDue        = "todo.due"
	EventCommentCreated = "comment.created"
)

// Todo is a to-do item owned by the backend service.
type Todo struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Completed   bool       `json:"completed"`
	UserName    string     `json:"user"`
	Categories  []string   `json:"categories,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Overdue reports whether the item's due date has passed without completion.
func (t Todo) Overdue(now time.Time) bool {
	return t.DueDate != nil && !t.Completed && now.After(*t.DueDate)
}

// Comment belongs to the comments service; it references a todo by id
// only, never through a foreign key into the backend's tables.
type Comment struct {
	ID        int64     `json:"id"`
	TodoID    int64     `json:"task_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
