package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	queue "github.com/DoNewsCode/notify-queue"
	"github.com/DoNewsCode/notify-queue/internal/mailer"
	"github.com/DoNewsCode/notify-queue/internal/message"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setUp(t *testing.T) (*API, *message.Store, *queue.InProcessDriver) {
	t.Helper()
	store, err := message.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	driver := queue.NewInProcessDriver()
	return New(store, queue.NewQueue(driver), 5, nil), store, driver
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_Create(t *testing.T) {
	api, store, driver := setUp(t)
	rec := do(t, api.Router(), http.MethodPost, "/messages", `{"email":"a@example.com","message":"hello"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
			JobID string `json:"jobId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "a@example.com", resp.Data.Email)

	stored, err := store.Get(context.Background(), resp.Data.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Body)

	job, err := driver.Get(context.Background(), resp.Data.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatePending, job.State)
	assert.Equal(t, 1, job.Priority)
	assert.Equal(t, 5, job.MaxAttempts)
	assert.Equal(t, queue.JobFrom(mailer.EmailJob{}).Type(), job.Type())
}

func TestAPI_CreateValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"malformed", `{"email":`},
		{"missing email", `{"message":"hi"}`},
		{"bad email", `{"email":"nope","message":"hi"}`},
		{"empty message", `{"email":"a@example.com","message":""}`},
		{"long message", `{"email":"a@example.com","message":"` + strings.Repeat("x", 1001) + `"}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			api, _, driver := setUp(t)
			rec := do(t, api.Router(), http.MethodPost, "/messages", c.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			info, err := driver.Info(context.Background())
			require.NoError(t, err)
			assert.Zero(t, info.Waiting)
		})
	}
}

type failingDispatcher struct{ err error }

func (f failingDispatcher) Dispatch(context.Context, queue.Job) (string, error) { return "", f.err }

func TestAPI_CreateStoreUnavailable(t *testing.T) {
	_, store, _ := setUp(t)
	api := New(store, failingDispatcher{err: queue.ErrStoreUnavailable}, 5, nil)
	rec := do(t, api.Router(), http.MethodPost, "/messages", `{"email":"a@example.com","message":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	api = New(store, failingDispatcher{err: errors.New("boom")}, 5, nil)
	rec = do(t, api.Router(), http.MethodPost, "/messages", `{"email":"a@example.com","message":"hello"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAPI_List(t *testing.T) {
	api, _, _ := setUp(t)
	router := api.Router()
	for _, email := range []string{"a@example.com", "b@example.com"} {
		rec := do(t, router, http.MethodPost, "/messages", `{"email":"`+email+`","message":"hi"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, router, http.MethodGet, "/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []message.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
}

func TestAPI_Health(t *testing.T) {
	api, _, _ := setUp(t)
	rec := do(t, api.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api-service")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(log.NewNopLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
