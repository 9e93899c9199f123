// Package api is the backend service's HTTP surface: todos CRUD plus
// the producer-facing task enqueue/status/cancel endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"todoflow/internal/dispatch"
	"todoflow/internal/model"
	"todoflow/internal/store"
)

// TodoStore is the backend's slice of the durable store.
type TodoStore interface {
	CreateTodo(ctx context.Context, t model.Todo) (model.Todo, error)
	GetTodo(ctx context.Context, id int64) (model.Todo, error)
	ListTodos(ctx context.Context, user string, limit int) ([]model.Todo, error)
	CompleteTodo(ctx context.Context, id int64) (model.Todo, error)
	DeleteTodo(ctx context.Context, id int64) error
}

// TaskStore covers the status-query and cancel contract producers keep
// after enqueueing.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (model.Task, error)
	ListTasks(ctx context.Context, status model.TaskStatus, limit int) ([]model.Task, error)
	CancelTask(ctx context.Context, id string) error
}

// Enqueuer hands deferred work to the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage, notBefore time.Time) (model.Task, error)
}

// Emitter publishes domain events after a durable commit.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

type Server struct {
	todos    TodoStore
	tasks    TaskStore
	enqueuer Enqueuer
	emitter  Emitter
	validate *validator.Validate
}

func NewServer(todos TodoStore, tasks TaskStore, enqueuer Enqueuer, emitter Emitter) http.Handler {
	s := &Server{
		todos:    todos,
		tasks:    tasks,
		enqueuer: enqueuer,
		emitter:  emitter,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/health", s.health)

	r.Route("/todos", func(r chi.Router) {
		r.Post("/", s.createTodo)
		r.Get("/", s.listTodos)
		r.Get("/{id}", s.getTodo)
		r.Post("/{id}/complete", s.completeTodo)
		r.Delete("/{id}", s.deleteTodo)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.enqueueTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.cancelTask)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createTodoReq struct {
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date"`
	User        string     `json:"user" validate:"required,max=100"`
	Categories  []string   `json:"categories"`
}

func (s *Server) createTodo(w http.ResponseWriter, r *http.Request) {
	var req createTodoReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	todo, err := s.todos.CreateTodo(r.Context(), model.Todo{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
		UserName:    req.User,
		Categories:  req.Categories,
	})
	if err != nil {
		log.Error().Err(err).Msg("create todo failed")
		http.Error(w, "failed to create todo", http.StatusInternalServerError)
		return
	}

	// The write is committed; consumers may now observe the fact.
	if err := s.emitter.Emit(r.Context(), model.EventTodoCreated, todo); err != nil {
		log.Error().Err(err).Int64("todo_id", todo.ID).Msg("todo.created publish failed")
	}

	writeJSON(w, http.StatusCreated, todo)
}

func (s *Server) listTodos(w http.ResponseWriter, r *http.Request) {
	todos, err := s.todos.ListTodos(r.Context(), r.URL.Query().Get("user"), 100)
	if err != nil {
		log.Error().Err(err).Msg("list todos failed")
		http.Error(w, "failed to list todos", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, todos)
}

func (s *Server) getTodo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid todo id", http.StatusBadRequest)
		return
	}
	todo, err := s.todos.GetTodo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "todo not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("get todo failed")
		http.Error(w, "failed to get todo", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, todo)
}

func (s *Server) completeTodo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid todo id", http.StatusBadRequest)
		return
	}
	todo, err := s.todos.CompleteTodo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "todo not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("complete todo failed")
		http.Error(w, "failed to complete todo", http.StatusInternalServerError)
		return
	}

	if err := s.emitter.Emit(r.Context(), model.EventTodoCompleted, todo); err != nil {
		log.Error().Err(err).Int64("todo_id", todo.ID).Msg("todo.completed publish failed")
	}

	writeJSON(w, http.StatusOK, todo)
}

func (s *Server) deleteTodo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid todo id", http.StatusBadRequest)
		return
	}
	err = s.todos.DeleteTodo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "todo not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("delete todo failed")
		http.Error(w, "failed to delete todo", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enqueueReq struct {
	Kind      string          `json:"kind" validate:"required"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore *time.Time      `json:"not_before"`
}

func (s *Server) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	notBefore := time.Time{}
	if req.NotBefore != nil {
		notBefore = *req.NotBefore
	}

	task, err := s.enqueuer.Enqueue(r.Context(), req.Kind, req.Payload, notBefore)
	if errors.Is(err, dispatch.ErrUnknownKind) {
		http.Error(w, "unknown task kind: "+req.Kind, http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("kind", req.Kind).Msg("enqueue failed")
		http.Error(w, "failed to enqueue task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := model.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.StatusPending, model.StatusRunning, model.StatusSucceeded,
		model.StatusFailed, model.StatusRetryScheduled, model.StatusCancelled:
	default:
		http.Error(w, "invalid status value", http.StatusBadRequest)
		return
	}

	tasks, err := s.tasks.ListTasks(r.Context(), status, 100)
	if err != nil {
		log.Error().Err(err).Msg("list tasks failed")
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("get task failed")
		http.Error(w, "failed to get task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	err := s.tasks.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrNotCancellable) {
		http.Error(w, "task can no longer be cancelled", http.StatusConflict)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("cancel task failed")
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}
