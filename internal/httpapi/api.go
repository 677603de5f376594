// Package httpapi is the producer side HTTP API: it stores notification
// requests and enqueues one email job for each.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/mailer"
	"github.com/DoNewsCode/notify-queue/internal/message"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

const (
	recentLimit   = 100
	maxBodyLength = 1000
	jobPriority   = 1
)

// MessageStore is implemented by *message.Store.
type MessageStore interface {
	Create(ctx context.Context, m *message.Message) error
	Recent(ctx context.Context, limit int) ([]message.Message, error)
}

// JobDispatcher is implemented by *queue.Queue.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job queue.Job) (string, error)
}

// API wires the message store to the queue.
type API struct {
	messages    MessageStore
	dispatcher  JobDispatcher
	maxAttempts int
	logger      log.Logger
	startedAt   time.Time
}

// New creates the API. maxAttempts applies to every enqueued email job.
func New(messages MessageStore, dispatcher JobDispatcher, maxAttempts int, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &API{
		messages:    messages,
		dispatcher:  dispatcher,
		maxAttempts: maxAttempts,
		logger:      logger,
		startedAt:   time.Now(),
	}
}

type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type createRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

type createResponse struct {
	message.Message
	JobID string `json:"jobId"`
}

// Router returns the routes, wrapped with request logging and panic recovery.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(RecoveryMiddleware(a.logger), LoggingMiddleware(a.logger))
	r.HandleFunc("/messages", a.create).Methods(http.MethodPost)
	r.HandleFunc("/messages", a.list).Methods(http.MethodGet)
	r.HandleFunc("/health", a.health).Methods(http.MethodGet)
	return r
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, envelope{Message: "invalid JSON body"})
		return
	}
	if msg := validate(req); msg != "" {
		writeJSON(w, http.StatusBadRequest, envelope{Message: msg})
		return
	}

	m := &message.Message{Email: strings.TrimSpace(req.Email), Body: req.Message}
	if err := a.messages.Create(r.Context(), m); err != nil {
		_ = level.Error(a.logger).Log("err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "failed to store message"})
		return
	}

	job := queue.Adjust(
		queue.JobFrom(mailer.EmailJob{MessageID: m.ID}),
		queue.MaxAttempts(a.maxAttempts),
		queue.Priority(jobPriority),
	)
	id, err := a.dispatcher.Dispatch(r.Context(), job)
	if err != nil {
		_ = level.Error(a.logger).Log("err", errors.Wrapf(err, "enqueue message %d", m.ID))
		status := http.StatusInternalServerError
		if errors.Is(err, queue.ErrStoreUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, envelope{Message: "message stored but could not be queued"})
		return
	}
	_ = level.Info(a.logger).Log("msg", "message queued", "messageId", m.ID, "jobId", id)
	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Message: "Message created and queued for processing",
		Data:    createResponse{Message: *m, JobID: id},
	})
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	messages, err := a.messages.Recent(r.Context(), recentLimit)
	if err != nil {
		_ = level.Error(a.logger).Log("err", err)
		writeJSON(w, http.StatusInternalServerError, envelope{Message: "failed to list messages"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: messages})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"message":   "API service is healthy",
		"timestamp": time.Now().UTC(),
		"service":   "api-service",
		"uptime":    time.Since(a.startedAt).Seconds(),
	})
}

func validate(req createRequest) string {
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return "a valid email is required"
	}
	if n := utf8.RuneCountInString(req.Message); n == 0 || n > maxBodyLength {
		return "message must be between 1 and 1000 characters"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
