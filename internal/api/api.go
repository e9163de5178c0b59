// Package api exposes the task engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/engine"
	"github.com/SirClappington/taskclaim/internal/storage"
)

// Engine is what the router serves.
type Engine interface {
	endpoint.Endpoint
	Enqueue(ctx context.Context, p engine.EnqueueParams) (string, error)
	Get(ctx context.Context, taskID string) (*storage.TaskRecord, error)
}

type server struct {
	eng Engine
	log *zap.Logger
}

// NewRouter builds the HTTP API. A non-empty token enables bearer
// authentication on every /v1 route.
func NewRouter(eng Engine, log *zap.Logger, token string) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &server{eng: eng, log: log.Named("api")}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID)
	rtr.Use(middleware.RealIP)
	rtr.Use(requestLogger(s.log))
	rtr.Use(middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	rtr.Route("/v1", func(v1 chi.Router) {
		v1.Use(bearerAuth(token))

		v1.Post("/tasks", s.enqueue)
		v1.Get("/tasks/{id}", s.getTask)

		v1.Post("/external_tasks/fetch_and_lock", s.fetchAndLock)
		v1.Post("/external_tasks/{id}/extend_lock", s.extendLock)
		v1.Post("/external_tasks/{id}/finish", s.finish)
		v1.Post("/external_tasks/{id}/error", s.reportError)
	})

	return rtr
}

type enqueueRequest struct {
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	RunAt       *time.Time      `json:"runAt,omitempty"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

// Durations are whole milliseconds on the wire.
type fetchRequest struct {
	WorkerID           string `json:"workerId"`
	TopicName          string `json:"topicName"`
	MaxTasks           int    `json:"maxTasks"`
	LongPollingTimeout int64  `json:"longPollingTimeout"`
	LockDuration       int64  `json:"lockDuration"`
}

type extendRequest struct {
	WorkerID           string `json:"workerId"`
	AdditionalDuration int64  `json:"additionalDuration"`
}

type finishRequest struct {
	WorkerID string          `json:"workerId"`
	Result   json.RawMessage `json:"result,omitempty"`
}

type errorRequest struct {
	WorkerID string           `json:"workerId"`
	Error    domain.TaskError `json:"error"`
}

type taskView struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Status        domain.Status     `json:"status"`
	WorkerID      *string           `json:"workerId,omitempty"`
	LockExpiresAt *time.Time        `json:"lockExpiresAt,omitempty"`
	Attempt       int               `json:"attempt"`
	MaxAttempts   int               `json:"maxAttempts"`
	RunAt         time.Time         `json:"runAt"`
	Result        json.RawMessage   `json:"result,omitempty"`
	LastError     *domain.TaskError `json:"lastError,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (s *server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	p := engine.EnqueueParams{Topic: req.Topic, Payload: req.Payload, MaxAttempts: req.MaxAttempts}
	if req.RunAt != nil {
		p.RunAt = *req.RunAt
	}

	id, err := s.eng.Enqueue(r.Context(), p)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

func (s *server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.eng.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(*rec))
}

func (s *server) fetchAndLock(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if !s.decode(w, r, &req) {
		return
	}

	tasks, err := s.eng.FetchAndLock(r.Context(), endpoint.FetchRequest{
		WorkerID:           req.WorkerID,
		TopicName:          req.TopicName,
		MaxTasks:           req.MaxTasks,
		LongPollingTimeout: time.Duration(req.LongPollingTimeout) * time.Millisecond,
		LockDuration:       time.Duration(req.LockDuration) * time.Millisecond,
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *server) extendLock(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !s.decode(w, r, &req) {
		return
	}
	additional := time.Duration(req.AdditionalDuration) * time.Millisecond
	if err := s.eng.ExtendLock(r.Context(), chi.URLParam(r, "id"), req.WorkerID, additional); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) finish(w http.ResponseWriter, r *http.Request) {
	var req finishRequest
	if !s.decode(w, r, &req) {
		return
	}
	var result any
	if len(req.Result) > 0 {
		result = req.Result
	}
	if err := s.eng.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerID, result); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) reportError(w http.ResponseWriter, r *http.Request) {
	var req errorRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.eng.Fail(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Error); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errors.Wrap(err, "decode body").Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, endpoint.ErrLockLost):
		return http.StatusConflict
	case errors.Is(err, endpoint.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	case endpoint.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
