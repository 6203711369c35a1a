package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enhancement-service/internal/cache"
	"enhancement-service/internal/ledger"
	"enhancement-service/internal/models"
)

type fakeJobCache struct {
	rec *models.JobRecord
	err error
}

func (f *fakeJobCache) GetJob(ctx context.Context, correlationID string) (*models.JobRecord, error) {
	return f.rec, f.err
}

type fakeJobLedger struct {
	row   *ledger.RequestWithResult
	err   error
	calls int
}

func (f *fakeJobLedger) GetRequestWithResult(ctx context.Context, correlationID string) (*ledger.RequestWithResult, error) {
	f.calls++
	return f.row, f.err
}

func TestGetStatusFromCache(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := created.Add(5 * time.Second)
	c := &fakeJobCache{rec: &models.JobRecord{
		CorrelationID: "corr-1",
		Status:        models.StatusCompleted,
		CreatedAt:     created,
		CompletedAt:   &completed,
		Result:        &models.EnhancementResult{Enhanced: "polished"},
	}}
	l := &fakeJobLedger{}
	s := New(c, l, nil)

	st, err := s.GetStatus(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.CompletedAt)
	assert.True(t, st.CompletedAt.Equal(completed))
	require.NotNil(t, st.Result)
	assert.Equal(t, "polished", st.Result.Enhanced)
	assert.Equal(t, 0, l.calls, "cache hit must not touch the ledger")
}

func TestGetStatusFailedJobUsesFailedAt(t *testing.T) {
	failed := time.Now().UTC()
	c := &fakeJobCache{rec: &models.JobRecord{
		CorrelationID: "corr-1",
		Status:        models.StatusFailed,
		FailedAt:      &failed,
		Error:         "model unavailable",
	}}
	s := New(c, &fakeJobLedger{}, nil)

	st, err := s.GetStatus(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	require.NotNil(t, st.CompletedAt)
	assert.True(t, st.CompletedAt.Equal(failed))
	assert.Equal(t, "model unavailable", st.Error)
}

func TestGetStatusFallsBackToLedger(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := created.Add(time.Minute)
	enhanced := "polished"
	c := &fakeJobCache{err: cache.ErrNotFound}
	l := &fakeJobLedger{row: &ledger.RequestWithResult{
		CorrelationID:   "corr-1",
		Status:          models.StatusCompleted,
		CreatedAt:       created,
		CompletedAt:     &completed,
		OriginalContent: "raw",
		EnhancedContent: &enhanced,
		Metadata:        map[string]any{"model": "gemini-2.0-flash"},
	}}
	s := New(c, l, nil)

	st, err := s.GetStatus(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.Result)
	assert.Equal(t, "raw", st.Result.Original)
	assert.Equal(t, "polished", st.Result.Enhanced)
	assert.Equal(t, "gemini-2.0-flash", st.Result.Metadata["model"])
}

func TestGetStatusLedgerRowWithoutResult(t *testing.T) {
	// A failed job has a request row but no result row.
	c := &fakeJobCache{err: cache.ErrNotFound}
	l := &fakeJobLedger{row: &ledger.RequestWithResult{
		CorrelationID: "corr-1",
		Status:        models.StatusFailed,
		CreatedAt:     time.Now().UTC(),
		ErrorMessage:  "model unavailable",
	}}
	s := New(c, l, nil)

	st, err := s.GetStatus(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, st.Status)
	assert.Nil(t, st.Result)
	assert.Equal(t, "model unavailable", st.Error)
}

func TestGetStatusUnknownJob(t *testing.T) {
	c := &fakeJobCache{err: cache.ErrNotFound}
	l := &fakeJobLedger{err: ledger.ErrNotFound}
	s := New(c, l, nil)

	_, err := s.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetStatusCacheTransportError(t *testing.T) {
	c := &fakeJobCache{err: errors.New("connection refused")}
	l := &fakeJobLedger{}
	s := New(c, l, nil)

	_, err := s.GetStatus(context.Background(), "corr-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, l.calls, "transport errors must not mask as not-found")
}
