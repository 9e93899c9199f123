// Package notifytask handles the "notify" task kind: send one chat
// message about a todo item. Sends are not idempotent, so the handler
// relies on the dispatcher's terminal-state bookkeeping plus the
// due_notified flag set by the producer to avoid duplicate messages.
package notifytask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"todoflow/internal/dispatch"
	"todoflow/internal/model"
	"todoflow/internal/store"
)

// Payload is the wire shape producers enqueue.
type Payload struct {
	ItemID  int64  `json:"item_id"`
	Message string `json:"message,omitempty"`
}

// TodoGetter is the slice of the store this handler reads.
type TodoGetter interface {
	GetTodo(ctx context.Context, id int64) (model.Todo, error)
}

// Sender delivers the outbound message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Handler struct {
	todos  TodoGetter
	sender Sender
}

func New(todos TodoGetter, sender Sender) *Handler {
	return &Handler{todos: todos, sender: sender}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: decode notify payload: %v", dispatch.ErrPoison, err)
	}
	if p.ItemID == 0 {
		return fmt.Errorf("%w: notify payload missing item_id", dispatch.ErrPoison)
	}

	text := p.Message
	if text == "" {
		todo, err := h.todos.GetTodo(ctx, p.ItemID)
		if errors.Is(err, store.ErrNotFound) {
			// The item is gone; retrying cannot bring it back.
			return fmt.Errorf("%w: todo %d not found", dispatch.ErrPoison, p.ItemID)
		}
		if err != nil {
			return fmt.Errorf("load todo %d: %w", p.ItemID, err)
		}
		text = fmt.Sprintf("Task %q for %s is due!", todo.Title, todo.UserName)
	}

	if err := h.sender.Send(ctx, text); err != nil {
		return fmt.Errorf("notify item %d: %w", p.ItemID, err)
	}
	return nil
}
