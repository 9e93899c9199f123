// Package duescan handles the periodic "due_scan" task kind: find todo
// items whose due date passed without completion, announce each one as
// a todo.due event and fan out a notify task per item.
package duescan

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"todoflow/internal/dispatch"
	"todoflow/internal/handlers/notifytask"
	"todoflow/internal/model"
)

// DueStore is the slice of the store the scan reads and marks.
type DueStore interface {
	DueTodos(ctx context.Context, now time.Time) ([]model.Todo, error)
	MarkDueNotified(ctx context.Context, id int64) error
}

// Emitter publishes the todo.due events.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

// Enqueuer fans out the follow-up notify tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage, notBefore time.Time) (model.Task, error)
}

type Handler struct {
	store    DueStore
	emitter  Emitter
	enqueuer Enqueuer
}

func New(store DueStore, emitter Emitter, enqueuer Enqueuer) *Handler {
	return &Handler{store: store, emitter: emitter, enqueuer: enqueuer}
}

// Handle announces each due item at least once. The notified mark lands
// only after the item's event and notify task went out, so a failure
// mid-item leaves it eligible for the retry's rescan; the retry may then
// repeat an announcement, never drop one.
func (h *Handler) Handle(ctx context.Context, _ json.RawMessage) error {
	now := time.Now()
	due, err := h.store.DueTodos(ctx, now)
	if err != nil {
		return fmt.Errorf("scan due todos: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	log.Info().Int("due", len(due)).Msg("due todos found")

	for _, todo := range due {
		if err := h.emitter.Emit(ctx, model.EventTodoDue, todo); err != nil {
			return fmt.Errorf("emit todo.due for %d: %w", todo.ID, err)
		}

		payload, _ := json.Marshal(notifytask.Payload{ItemID: todo.ID})
		if _, err := h.enqueuer.Enqueue(ctx, dispatch.KindNotify, payload, time.Time{}); err != nil {
			return fmt.Errorf("enqueue notify for %d: %w", todo.ID, err)
		}

		if err := h.store.MarkDueNotified(ctx, todo.ID); err != nil {
			return fmt.Errorf("mark todo %d notified: %w", todo.ID, err)
		}
	}
	return nil
}
