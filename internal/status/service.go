// Package status answers "what is the state of job X", reading the cache
// first and falling back to the ledger once the cache entry is gone.
package status

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"enhancement-service/internal/cache"
	"enhancement-service/internal/ledger"
	"enhancement-service/internal/models"
)

// ErrNotFound is returned when neither store knows the correlation ID.
var ErrNotFound = errors.New("status: job not found")

type jobCache interface {
	GetJob(ctx context.Context, correlationID string) (*models.JobRecord, error)
}

type jobLedger interface {
	GetRequestWithResult(ctx context.Context, correlationID string) (*ledger.RequestWithResult, error)
}

// Service resolves job status across both stores.
type Service struct {
	cache  jobCache
	ledger jobLedger
	logger *zap.Logger
}

// New constructs a status service.
func New(c jobCache, l jobLedger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cache: c, ledger: l, logger: logger}
}

// GetStatus returns one response shape regardless of which store answered.
// Cache eviction is not job loss: a job absent from the cache but present in
// the ledger is historically valid.
func (s *Service) GetStatus(ctx context.Context, correlationID string) (*models.JobStatus, error) {
	rec, err := s.cache.GetJob(ctx, correlationID)
	if err == nil {
		return fromCache(rec), nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	row, err := s.ledger.GetRequestWithResult(ctx, correlationID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	s.logger.Debug("status served from ledger",
		zap.String("correlation_id", correlationID))
	return fromLedger(row), nil
}

func fromCache(rec *models.JobRecord) *models.JobStatus {
	out := &models.JobStatus{
		CorrelationID: rec.CorrelationID,
		Status:        rec.Status,
		CreatedAt:     rec.CreatedAt,
		Result:        rec.Result,
		Error:         rec.Error,
	}
	switch {
	case rec.CompletedAt != nil:
		out.CompletedAt = rec.CompletedAt
	case rec.FailedAt != nil:
		out.CompletedAt = rec.FailedAt
	}
	return out
}

// fromLedger synthesizes the cache response shape from the durable row.
func fromLedger(row *ledger.RequestWithResult) *models.JobStatus {
	out := &models.JobStatus{
		CorrelationID: row.CorrelationID,
		Status:        row.Status,
		CreatedAt:     row.CreatedAt,
		CompletedAt:   row.CompletedAt,
		Error:         row.ErrorMessage,
	}
	if row.EnhancedContent != nil {
		out.Result = &models.EnhancementResult{
			Original: row.OriginalContent,
			Enhanced: *row.EnhancedContent,
			Metadata: row.Metadata,
		}
	}
	return out
}
