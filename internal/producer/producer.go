// Package producer builds job envelopes, publishes them to the request
// queue, and registers the job in the cache and the ledger.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"enhancement-service/internal/ledger"
	"enhancement-service/internal/models"
	"enhancement-service/internal/telemetry"
)

type publisher interface {
	Publish(ctx context.Context, queue, correlationID string, body []byte) error
}

type jobCache interface {
	CreateJob(ctx context.Context, correlationID string, createdAt time.Time) error
}

type jobLedger interface {
	CreateRequest(ctx context.Context, p ledger.CreateRequestParams) error
}

// Producer submits enhancement jobs. Submit never waits for processing.
type Producer struct {
	queue  string
	broker publisher
	cache  jobCache
	ledger jobLedger
	logger *zap.Logger
}

// New constructs a producer targeting the given request queue.
func New(queue string, broker publisher, cache jobCache, ledger jobLedger, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{queue: queue, broker: broker, cache: cache, ledger: ledger, logger: logger}
}

// SubmitParams carries one enhancement request.
type SubmitParams struct {
	Section    string
	Content    string
	Context    map[string]string
	Parameters map[string]any
	IPAddress  string
	Source     string
}

// Submit mints a correlation ID, publishes the job envelope, then writes the
// pending cache record and the durable request row. A publish or cache
// failure is a hard failure; a ledger failure is logged and swallowed since
// the cache is authoritative for the live path.
func (p *Producer) Submit(ctx context.Context, params SubmitParams) (string, error) {
	correlationID := uuid.NewString()
	now := time.Now().UTC()

	envelope := models.JobEnvelope{
		CorrelationID: correlationID,
		Section:       params.Section,
		Content:       params.Content,
		Context:       params.Context,
		Parameters:    params.Parameters,
		Timestamp:     now,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	if err := p.broker.Publish(ctx, p.queue, correlationID, body); err != nil {
		return "", fmt.Errorf("publish enhancement request: %w", err)
	}

	// Written before the envelope is guaranteed processed, so a client
	// polling right after submission always finds a pending record.
	if err := p.cache.CreateJob(ctx, correlationID, now); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}

	if err := p.ledger.CreateRequest(ctx, ledger.CreateRequestParams{
		CorrelationID: correlationID,
		Section:       params.Section,
		Content:       params.Content,
		Context:       params.Context,
		Parameters:    params.Parameters,
		IPAddress:     params.IPAddress,
		Source:        params.Source,
	}); err != nil {
		p.logger.Error("ledger write failed at submission, continuing",
			zap.String("correlation_id", correlationID), zap.Error(err))
	}

	telemetry.SubmittedCounter.Inc()
	p.logger.Info("enhancement request submitted",
		zap.String("correlation_id", correlationID),
		zap.String("section", params.Section),
		zap.Int("content_length", len(params.Content)))
	return correlationID, nil
}
