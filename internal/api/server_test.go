package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enhancement-service/internal/cache"
	"enhancement-service/internal/ledger"
	"enhancement-service/internal/models"
	"enhancement-service/internal/producer"
	"enhancement-service/internal/ratelimit"
	"enhancement-service/internal/status"
)

type fakeBackend struct {
	publishErr error
	jobs       map[string]*models.JobRecord
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{jobs: map[string]*models.JobRecord{}}
}

func (f *fakeBackend) Publish(ctx context.Context, queue, correlationID string, body []byte) error {
	return f.publishErr
}

func (f *fakeBackend) CreateJob(ctx context.Context, correlationID string, createdAt time.Time) error {
	f.jobs[correlationID] = &models.JobRecord{
		CorrelationID: correlationID,
		Status:        models.StatusPending,
		CreatedAt:     createdAt,
	}
	return nil
}

func (f *fakeBackend) CreateRequest(ctx context.Context, p ledger.CreateRequestParams) error {
	return nil
}

func (f *fakeBackend) GetJob(ctx context.Context, correlationID string) (*models.JobRecord, error) {
	rec, ok := f.jobs[correlationID]
	if !ok {
		return nil, cache.ErrNotFound
	}
	return rec, nil
}

func (f *fakeBackend) GetRequestWithResult(ctx context.Context, correlationID string) (*ledger.RequestWithResult, error) {
	return nil, ledger.ErrNotFound
}

func newTestServer(t *testing.T, backend *fakeBackend, limiter *ratelimit.TokenBucket) *Server {
	t.Helper()
	p := producer.New("requests", backend, backend, backend, nil)
	st := status.New(backend, backend, nil)
	return New(p, st, limiter, nil)
}

func submit(t *testing.T, router http.Handler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/enhancements", bytes.NewBufferString(payload))
	req.RemoteAddr = "203.0.113.7:54321"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitAndPoll(t *testing.T) {
	backend := newFakeBackend()
	router := newTestServer(t, backend, nil).Router()

	w := submit(t, router, `{"section":"summary","content":"did things"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		CorrelationID string `json:"correlationId"`
		Status        string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, "pending", resp.Status)

	// The job is immediately pollable after the 202.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/enhancements/"+resp.CorrelationID, nil)
	poll := httptest.NewRecorder()
	router.ServeHTTP(poll, req)
	require.Equal(t, http.StatusOK, poll.Code)

	var st models.JobStatus
	require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &st))
	assert.Equal(t, models.StatusPending, st.Status)
	assert.Equal(t, resp.CorrelationID, st.CorrelationID)
}

func TestSubmitValidation(t *testing.T) {
	router := newTestServer(t, newFakeBackend(), nil).Router()

	assert.Equal(t, http.StatusBadRequest, submit(t, router, `{`).Code)
	assert.Equal(t, http.StatusBadRequest, submit(t, router, `{"section":"summary"}`).Code)
	assert.Equal(t, http.StatusBadRequest, submit(t, router, `{"content":"x"}`).Code)
}

func TestSubmitQueueFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.publishErr = errors.New("broker down")
	router := newTestServer(t, backend, nil).Router()

	w := submit(t, router, `{"section":"summary","content":"did things"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "failed to queue request")
}

func TestSubmitRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	limiter := ratelimit.NewTokenBucket(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 1, 0.001, time.Minute)

	router := newTestServer(t, newFakeBackend(), limiter).Router()

	assert.Equal(t, http.StatusAccepted, submit(t, router, `{"section":"summary","content":"x"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, submit(t, router, `{"section":"summary","content":"x"}`).Code)
}

func TestStatusNotFound(t *testing.T) {
	router := newTestServer(t, newFakeBackend(), nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/enhancements/unknown-id", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	router := newTestServer(t, newFakeBackend(), nil).Router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
