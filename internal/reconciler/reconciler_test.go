package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enhancement-service/internal/cache"
	"enhancement-service/internal/models"
	"enhancement-service/internal/worker"
)

type fakeTerminalCache struct {
	rec    *models.JobRecord
	getErr error

	completedApplied bool
	completedErr     error
	completed        *models.EnhancementResult

	failedApplied bool
	failedErr     error
	failedMsg     string
}

func (f *fakeTerminalCache) GetJob(ctx context.Context, correlationID string) (*models.JobRecord, error) {
	return f.rec, f.getErr
}

func (f *fakeTerminalCache) MarkCompleted(ctx context.Context, correlationID string, result *models.EnhancementResult, at time.Time) (bool, error) {
	f.completed = result
	return f.completedApplied, f.completedErr
}

func (f *fakeTerminalCache) MarkFailed(ctx context.Context, correlationID, errMsg string, at time.Time) (bool, error) {
	f.failedMsg = errMsg
	return f.failedApplied, f.failedErr
}

type fakeResultLedger struct {
	statusSet       string
	statusErrMsg    string
	processingTime  *int64
	resultInserted  bool
	insertCalled    bool
	insertErr       error
	usageCalls      int
	usageSuccess    bool
	usageTokens     int64
	updateStatusErr error
}

func (f *fakeResultLedger) UpdateRequestStatus(ctx context.Context, correlationID, status string, completedAt *time.Time, processingTimeMs *int64, errMsg string) error {
	f.statusSet = status
	f.statusErrMsg = errMsg
	f.processingTime = processingTimeMs
	return f.updateStatusErr
}

func (f *fakeResultLedger) InsertResultIfAbsent(ctx context.Context, correlationID, enhancedContent string, metadata map[string]any, modelUsed string, tokensUsed int64) (bool, error) {
	f.insertCalled = true
	return f.resultInserted, f.insertErr
}

func (f *fakeResultLedger) RecordUsage(ctx context.Context, at time.Time, userID string, success bool, tokensUsed int64, processingTimeMs int64) error {
	f.usageCalls++
	f.usageSuccess = success
	f.usageTokens = tokensUsed
	return nil
}

func successBody(t *testing.T, corrID string) []byte {
	t.Helper()
	body, err := json.Marshal(models.ResultEnvelope{
		CorrelationID: corrID,
		Status:        models.ResultSuccess,
		Result: &models.EnhancementResult{
			Original: "raw",
			Enhanced: "polished",
			Metadata: map[string]any{"model": "gemini-2.0-flash", "tokensUsed": 128},
		},
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	return body
}

func errorBody(t *testing.T, corrID, msg string) []byte {
	t.Helper()
	body, err := json.Marshal(models.ResultEnvelope{
		CorrelationID: corrID,
		Status:        models.ResultError,
		Error:         msg,
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return body
}

func pendingRecord() *models.JobRecord {
	started := time.Now().UTC().Add(-2 * time.Second)
	return &models.JobRecord{
		CorrelationID:       "corr-1",
		Status:              models.StatusProcessing,
		CreatedAt:           started.Add(-time.Second),
		ProcessingStartedAt: &started,
	}
}

func TestProcessSuccess(t *testing.T) {
	c := &fakeTerminalCache{rec: pendingRecord(), completedApplied: true}
	l := &fakeResultLedger{resultInserted: true}
	r := New(c, l, nil)

	decision := r.Process(context.Background(), successBody(t, "corr-1"))
	assert.Equal(t, worker.DecisionAck, decision)
	require.NotNil(t, c.completed)
	assert.Equal(t, "polished", c.completed.Enhanced)
	assert.Equal(t, models.StatusCompleted, l.statusSet)
	require.NotNil(t, l.processingTime)
	assert.Greater(t, *l.processingTime, int64(0))
	assert.Equal(t, 1, l.usageCalls)
	assert.True(t, l.usageSuccess)
	assert.EqualValues(t, 128, l.usageTokens)
}

func TestProcessDuplicateResultSkipsUsage(t *testing.T) {
	// The result row already exists: duplicate delivery. The message is
	// still acknowledged but the usage aggregate must not double-count.
	c := &fakeTerminalCache{rec: pendingRecord(), completedApplied: false}
	l := &fakeResultLedger{resultInserted: false}
	r := New(c, l, nil)

	decision := r.Process(context.Background(), successBody(t, "corr-1"))
	assert.Equal(t, worker.DecisionAck, decision)
	assert.True(t, l.insertCalled)
	assert.Equal(t, 0, l.usageCalls)
}

func TestProcessFailure(t *testing.T) {
	c := &fakeTerminalCache{rec: pendingRecord(), failedApplied: true}
	l := &fakeResultLedger{}
	r := New(c, l, nil)

	decision := r.Process(context.Background(), errorBody(t, "corr-1", "model unavailable"))
	assert.Equal(t, worker.DecisionAck, decision)
	assert.Equal(t, "model unavailable", c.failedMsg)
	assert.Equal(t, models.StatusFailed, l.statusSet)
	assert.Equal(t, "model unavailable", l.statusErrMsg)
	assert.Equal(t, 1, l.usageCalls)
	assert.False(t, l.usageSuccess)
}

func TestProcessDuplicateFailureAcksEarly(t *testing.T) {
	c := &fakeTerminalCache{rec: pendingRecord(), failedApplied: false}
	l := &fakeResultLedger{}
	r := New(c, l, nil)

	decision := r.Process(context.Background(), errorBody(t, "corr-1", "boom"))
	assert.Equal(t, worker.DecisionAck, decision)
	assert.Empty(t, l.statusSet, "duplicate failure must not touch the ledger again")
	assert.Equal(t, 0, l.usageCalls)
}

func TestProcessMalformedBody(t *testing.T) {
	r := New(&fakeTerminalCache{}, &fakeResultLedger{}, nil)
	assert.Equal(t, worker.DecisionDiscard, r.Process(context.Background(), []byte("nope")))
}

func TestProcessMissingCorrelationID(t *testing.T) {
	body, err := json.Marshal(models.ResultEnvelope{Status: models.ResultSuccess, Result: &models.EnhancementResult{}})
	require.NoError(t, err)

	r := New(&fakeTerminalCache{}, &fakeResultLedger{}, nil)
	assert.Equal(t, worker.DecisionDiscard, r.Process(context.Background(), body))
}

func TestProcessUnknownStatus(t *testing.T) {
	body, err := json.Marshal(models.ResultEnvelope{CorrelationID: "corr-1", Status: "partial"})
	require.NoError(t, err)

	r := New(&fakeTerminalCache{}, &fakeResultLedger{}, nil)
	assert.Equal(t, worker.DecisionDiscard, r.Process(context.Background(), body))
}

func TestProcessSuccessWithoutPayload(t *testing.T) {
	body, err := json.Marshal(models.ResultEnvelope{CorrelationID: "corr-1", Status: models.ResultSuccess})
	require.NoError(t, err)

	r := New(&fakeTerminalCache{rec: pendingRecord()}, &fakeResultLedger{}, nil)
	assert.Equal(t, worker.DecisionDiscard, r.Process(context.Background(), body))
}

func TestProcessCacheUnavailableRequeues(t *testing.T) {
	c := &fakeTerminalCache{getErr: errors.New("connection refused")}
	r := New(c, &fakeResultLedger{}, nil)

	decision := r.Process(context.Background(), successBody(t, "corr-1"))
	assert.Equal(t, worker.DecisionRequeue, decision)
}

func TestProcessCacheRecordMissingProceeds(t *testing.T) {
	// Expired cache record: the ledger still gets its terminal update.
	c := &fakeTerminalCache{getErr: cache.ErrNotFound, completedErr: cache.ErrNotFound}
	l := &fakeResultLedger{resultInserted: true}
	r := New(c, l, nil)

	decision := r.Process(context.Background(), successBody(t, "corr-1"))
	assert.Equal(t, worker.DecisionAck, decision)
	assert.Equal(t, models.StatusCompleted, l.statusSet)
	require.NotNil(t, l.processingTime)
	assert.EqualValues(t, 0, *l.processingTime)
}

func TestProcessingTimeFallsBackToCreatedAt(t *testing.T) {
	now := time.Now().UTC()
	rec := &models.JobRecord{CreatedAt: now.Add(-3 * time.Second)}
	assert.InDelta(t, 3000, processingTimeMs(rec, now), 50)
	assert.EqualValues(t, 0, processingTimeMs(nil, now))
	assert.EqualValues(t, 0, processingTimeMs(&models.JobRecord{}, now))
}
