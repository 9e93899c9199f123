package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todoflow/internal/dispatch"
	"todoflow/internal/model"
	"todoflow/internal/store"
)

// fakeBackendStore backs the handlers in memory. It also implements
// dispatch.TaskCreator so the real Enqueuer can be wired in.
type fakeBackendStore struct {
	mu     sync.Mutex
	nextID int64
	todos  map[int64]model.Todo
	tasks  map[string]model.Task
}

func newFakeBackendStore() *fakeBackendStore {
	return &fakeBackendStore{
		todos: make(map[int64]model.Todo),
		tasks: make(map[string]model.Task),
	}
}

func (f *fakeBackendStore) CreateTodo(_ context.Context, t model.Todo) (model.Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	t.CreatedAt = time.Now()
	f.todos[t.ID] = t
	return t, nil
}

func (f *fakeBackendStore) GetTodo(_ context.Context, id int64) (model.Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.todos[id]
	if !ok {
		return model.Todo{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeBackendStore) ListTodos(_ context.Context, user string, _ int) ([]model.Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Todo{}
	for _, t := range f.todos {
		if user == "" || t.UserName == user {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeBackendStore) CompleteTodo(_ context.Context, id int64) (model.Todo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.todos[id]
	if !ok {
		return model.Todo{}, store.ErrNotFound
	}
	t.Completed = true
	f.todos[id] = t
	return t, nil
}

func (f *fakeBackendStore) DeleteTodo(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.todos[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.todos, id)
	return nil
}

func (f *fakeBackendStore) CreateTask(_ context.Context, kind string, payload json.RawMessage, notBefore time.Time, maxAttempts int) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := model.Task{
		ID:          "tsk_" + uuid.NewString(),
		Kind:        kind,
		Payload:     payload,
		Status:      model.StatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: notBefore,
		CreatedAt:   time.Now(),
	}
	f.tasks[t.ID] = t
	return t, nil
}

func (f *fakeBackendStore) GetTask(_ context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeBackendStore) ListTasks(_ context.Context, status model.TaskStatus, _ int) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Task{}
	for _, t := range f.tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeBackendStore) CancelTask(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != model.StatusPending && t.Status != model.StatusRetryScheduled {
		return store.ErrNotCancellable
	}
	t.Status = model.StatusCancelled
	f.tasks[id] = t
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(_ context.Context, eventType string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func newTestServer() (*fakeBackendStore, *fakeEmitter, http.Handler) {
	fs := newFakeBackendStore()
	em := &fakeEmitter{}
	h := NewServer(fs, fs, dispatch.NewEnqueuer(fs, nil, 5), em)
	return fs, em, h
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateTodo(t *testing.T) {
	_, em, h := newTestServer()

	w := do(t, h, http.MethodPost, "/todos", map[string]any{
		"title": "buy milk", "user": "alice", "categories": []string{"errands"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var todo model.Todo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&todo))
	assert.Equal(t, "buy milk", todo.Title)
	assert.NotZero(t, todo.ID)
	assert.Equal(t, []string{model.EventTodoCreated}, em.events)
}

func TestCreateTodoRejectsMissingTitle(t *testing.T) {
	_, em, h := newTestServer()

	w := do(t, h, http.MethodPost, "/todos", map[string]any{"user": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, em.events, "no event for a rejected write")
}

func TestGetTodoNotFound(t *testing.T) {
	_, _, h := newTestServer()
	w := do(t, h, http.MethodGet, "/todos/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCompleteTodoEmitsEvent(t *testing.T) {
	fs, em, h := newTestServer()
	created, err := fs.CreateTodo(context.Background(), model.Todo{Title: "x", UserName: "bob"})
	require.NoError(t, err)

	w := do(t, h, http.MethodPost, "/todos/"+strconv.FormatInt(created.ID, 10)+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var todo model.Todo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&todo))
	assert.True(t, todo.Completed)
	assert.Equal(t, []string{model.EventTodoCompleted}, em.events)
}

func TestEnqueueTask(t *testing.T) {
	fs, _, h := newTestServer()

	w := do(t, h, http.MethodPost, "/tasks", map[string]any{
		"kind":    dispatch.KindNotify,
		"payload": map[string]int{"item_id": 42},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var task model.Task
	require.NoError(t, json.NewDecoder(w.Body).Decode(&task))
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Equal(t, dispatch.KindNotify, task.Kind)

	stored, err := fs.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestEnqueueUnknownKind(t *testing.T) {
	_, _, h := newTestServer()
	w := do(t, h, http.MethodPost, "/tasks", map[string]any{"kind": "explode"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelTask(t *testing.T) {
	fs, _, h := newTestServer()
	task, err := fs.CreateTask(context.Background(), dispatch.KindNotify, nil, time.Now(), 5)
	require.NoError(t, err)

	w := do(t, h, http.MethodDelete, "/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	stored, err := fs.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, stored.Status)
}

func TestCancelRunningTaskConflicts(t *testing.T) {
	fs, _, h := newTestServer()
	task, err := fs.CreateTask(context.Background(), dispatch.KindNotify, nil, time.Now(), 5)
	require.NoError(t, err)
	fs.mu.Lock()
	running := fs.tasks[task.ID]
	running.Status = model.StatusRunning
	fs.tasks[task.ID] = running
	fs.mu.Unlock()

	w := do(t, h, http.MethodDelete, "/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListTasksRejectsBogusStatus(t *testing.T) {
	_, _, h := newTestServer()
	w := do(t, h, http.MethodGet, "/tasks?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
