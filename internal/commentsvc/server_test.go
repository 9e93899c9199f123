package commentsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"todoflow/internal/model"
	"todoflow/internal/store"
)

type fakeCommentStore struct {
	mu       sync.Mutex
	nextID   int64
	comments map[int64]model.Comment
	listHits int
}

func newFakeCommentStore() *fakeCommentStore {
	return &fakeCommentStore{comments: make(map[int64]model.Comment)}
}

func (f *fakeCommentStore) CreateComment(_ context.Context, todoID int64, text string) (model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := model.Comment{ID: f.nextID, TodoID: todoID, Text: text, CreatedAt: time.Now()}
	f.comments[c.ID] = c
	return c, nil
}

func (f *fakeCommentStore) GetComment(_ context.Context, id int64) (model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return model.Comment{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCommentStore) ListComments(_ context.Context, todoID int64) ([]model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHits++
	out := []model.Comment{}
	for _, c := range f.comments {
		if c.TodoID == todoID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeCommentStore) DeleteComment(_ context.Context, id int64) (model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.comments[id]
	if !ok {
		return model.Comment{}, store.ErrNotFound
	}
	delete(f.comments, id)
	return c, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]string)} }

func (f *fakeCache) CacheGet(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok, nil
}

func (f *fakeCache) CacheSet(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	return nil
}

func (f *fakeCache) CacheDel(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
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

func newTestServer() (*fakeCommentStore, *fakeCache, *fakeEmitter, http.Handler) {
	fs := newFakeCommentStore()
	fc := newFakeCache()
	em := &fakeEmitter{}
	return fs, fc, em, NewServer(fs, fc, em, 5*time.Minute)
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateComment(t *testing.T) {
	_, fc, em, h := newTestServer()

	// Warm the cache so the invalidation is observable.
	require.NoError(t, fc.CacheSet(context.Background(), "comments:task:7", "[]", time.Minute))

	w := post(t, h, "/comments", map[string]any{"task_id": 7, "text": "looks good"})
	require.Equal(t, http.StatusCreated, w.Code)

	var c model.Comment
	require.NoError(t, json.NewDecoder(w.Body).Decode(&c))
	assert.Equal(t, int64(7), c.TodoID)
	assert.Equal(t, "looks good", c.Text)

	_, ok, _ := fc.CacheGet(context.Background(), "comments:task:7")
	assert.False(t, ok, "creating a comment must invalidate the todo's cache entry")
	assert.Equal(t, []string{model.EventCommentCreated}, em.events)
}

func TestCreateCommentValidation(t *testing.T) {
	_, _, _, h := newTestServer()

	w := post(t, h, "/comments", map[string]any{"task_id": 7, "text": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty text")

	w = post(t, h, "/comments", map[string]any{"task_id": 7, "text": strings.Repeat("x", 501)})
	assert.Equal(t, http.StatusBadRequest, w.Code, "text over 500 chars")

	w = post(t, h, "/comments", map[string]any{"text": "orphan"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "missing task_id")
}

func TestListCommentsUsesCache(t *testing.T) {
	fs, _, _, h := newTestServer()
	_, err := fs.CreateComment(context.Background(), 3, "first")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/comments/task/3", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var got []model.Comment
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		require.Len(t, got, 1)
		assert.Equal(t, "first", got[0].Text)
	}

	assert.Equal(t, 1, fs.listHits, "second read must come from the cache")
}

func TestDeleteComment(t *testing.T) {
	fs, fc, _, h := newTestServer()
	c, err := fs.CreateComment(context.Background(), 5, "bye")
	require.NoError(t, err)
	require.NoError(t, fc.CacheSet(context.Background(), "comments:task:5", "[]", time.Minute))

	req := httptest.NewRequest(http.MethodDelete, "/comments/1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	_, err = fs.GetComment(context.Background(), c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, ok, _ := fc.CacheGet(context.Background(), "comments:task:5")
	assert.False(t, ok, "deletion must invalidate the todo's cache entry")
}

func TestDeleteMissingComment(t *testing.T) {
	_, _, _, h := newTestServer()
	req := httptest.NewRequest(http.MethodDelete, "/comments/42", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
