// Package dispatch implements the asynchronous task dispatcher: the
// producer-facing enqueue contract, the handler registry, and the
// worker pool that claims and executes task records.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"todoflow/internal/model"
)

// Task kinds known to the system. Enqueue rejects anything else;
// anything else arriving at execution is a poison message.
const (
	KindNotify  = "notify"
	KindDueScan = "due_scan"
)

var knownKinds = map[string]bool{
	KindNotify:  true,
	KindDueScan: true,
}

// KnownKind reports whether a handler kind is registered system-wide.
func KnownKind(kind string) bool { return knownKinds[kind] }

var (
	// ErrUnknownKind is returned by Enqueue for kinds no handler serves.
	ErrUnknownKind = errors.New("unknown task kind")
	// ErrPoison marks a handler failure that retrying cannot fix
	// (malformed payload, missing referent). The task fails terminally.
	ErrPoison = errors.New("poison message")
)

// Handler executes one task kind.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// TaskCreator is the slice of the store the producer side needs.
type TaskCreator interface {
	CreateTask(ctx context.Context, kind string, payload json.RawMessage, notBefore time.Time, maxAttempts int) (model.Task, error)
}

// WakePusher signals workers that a task became visible.
type WakePusher interface {
	PushWake(ctx context.Context, queue, taskID string) error
}

// Queue is the single wake channel all workers share.
const Queue = "tasks"

// Enqueuer is the producer-facing half of the dispatcher. Enqueue only
// fails if the store write fails; execution failures are asynchronous
// and observed through status queries.
type Enqueuer struct {
	store       TaskCreator
	wake        WakePusher
	maxAttempts int
}

func NewEnqueuer(store TaskCreator, wake WakePusher, maxAttempts int) *Enqueuer {
	return &Enqueuer{store: store, wake: wake, maxAttempts: maxAttempts}
}

// Enqueue persists a pending task visible at notBefore (zero means
// immediately) and returns it. The wake signal is best effort; workers
// poll the store regardless, so a lost wake only delays pickup.
func (e *Enqueuer) Enqueue(ctx context.Context, kind string, payload json.RawMessage, notBefore time.Time) (model.Task, error) {
	if !KnownKind(kind) {
		return model.Task{}, ErrUnknownKind
	}
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	task, err := e.store.CreateTask(ctx, kind, payload, notBefore, e.maxAttempts)
	if err != nil {
		return model.Task{}, err
	}
	if e.wake != nil {
		if err := e.wake.PushWake(ctx, Queue, task.ID); err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("wake signal failed")
		}
	}
	return task, nil
}
