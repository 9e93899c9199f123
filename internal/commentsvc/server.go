// Package commentsvc is the comments microservice: comment CRUD with a
// Redis read-through cache. It shares no tables with the backend; a
// comment references its todo by id only.
package commentsvc

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

	"todoflow/internal/model"
	"todoflow/internal/store"
)

// CommentStore is this service's slice of the durable store.
type CommentStore interface {
	CreateComment(ctx context.Context, todoID int64, text string) (model.Comment, error)
	GetComment(ctx context.Context, id int64) (model.Comment, error)
	ListComments(ctx context.Context, todoID int64) ([]model.Comment, error)
	DeleteComment(ctx context.Context, id int64) (model.Comment, error)
}

// Cache is the broker-backed read-through cache.
type Cache interface {
	CacheGet(ctx context.Context, key string) (string, bool, error)
	CacheSet(ctx context.Context, key, value string, ttl time.Duration) error
	CacheDel(ctx context.Context, key string) error
}

// Emitter publishes comment.created after the commit.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any) error
}

type Server struct {
	comments CommentStore
	cache    Cache
	emitter  Emitter
	cacheTTL time.Duration
	validate *validator.Validate
}

func NewServer(comments CommentStore, cache Cache, emitter Emitter, cacheTTL time.Duration) http.Handler {
	s := &Server{
		comments: comments,
		cache:    cache,
		emitter:  emitter,
		cacheTTL: cacheTTL,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Post("/comments", s.createComment)
	r.Get("/comments/task/{taskID}", s.listComments)
	r.Delete("/comments/{id}", s.deleteComment)

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func cacheKey(todoID int64) string {
	return "comments:task:" + strconv.FormatInt(todoID, 10)
}

type createCommentReq struct {
	TaskID int64  `json:"task_id" validate:"required"`
	Text   string `json:"text" validate:"required,min=1,max=500"`
}

func (s *Server) createComment(w http.ResponseWriter, r *http.Request) {
	var req createCommentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	comment, err := s.comments.CreateComment(r.Context(), req.TaskID, req.Text)
	if err != nil {
		log.Error().Err(err).Int64("task_id", req.TaskID).Msg("create comment failed")
		http.Error(w, "failed to create comment", http.StatusInternalServerError)
		return
	}

	// The list for this todo changed; drop the cached copy.
	if err := s.cache.CacheDel(r.Context(), cacheKey(req.TaskID)); err != nil {
		log.Warn().Err(err).Int64("task_id", req.TaskID).Msg("cache invalidation failed")
	}

	if err := s.emitter.Emit(r.Context(), model.EventCommentCreated, comment); err != nil {
		log.Error().Err(err).Int64("comment_id", comment.ID).Msg("comment.created publish failed")
	}

	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) listComments(w http.ResponseWriter, r *http.Request) {
	todoID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return
	}

	if cached, ok, err := s.cache.CacheGet(r.Context(), cacheKey(todoID)); err != nil {
		log.Warn().Err(err).Int64("task_id", todoID).Msg("cache read failed")
	} else if ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(cached))
		return
	}

	comments, err := s.comments.ListComments(r.Context(), todoID)
	if err != nil {
		log.Error().Err(err).Int64("task_id", todoID).Msg("list comments failed")
		http.Error(w, "failed to list comments", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(comments)
	if err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
		return
	}
	if err := s.cache.CacheSet(r.Context(), cacheKey(todoID), string(data), s.cacheTTL); err != nil {
		log.Warn().Err(err).Int64("task_id", todoID).Msg("cache write failed")
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) deleteComment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid comment id", http.StatusBadRequest)
		return
	}

	comment, err := s.comments.DeleteComment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "comment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error().Err(err).Int64("comment_id", id).Msg("delete comment failed")
		http.Error(w, "failed to delete comment", http.StatusInternalServerError)
		return
	}

	if err := s.cache.CacheDel(r.Context(), cacheKey(comment.TodoID)); err != nil {
		log.Warn().Err(err).Int64("task_id", comment.TodoID).Msg("cache invalidation failed")
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "comment deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}
