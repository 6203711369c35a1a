// Package worker consumes job envelopes from the request queue, invokes the
// enhancement collaborator, and publishes result envelopes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"enhancement-service/internal/broker"
	"enhancement-service/internal/cache"
	"enhancement-service/internal/enhance"
	"enhancement-service/internal/models"
)

// Decision is what the consumer asks the broker to do with a message after
// processing it.
type Decision int

const (
	// DecisionAck confirms the message as handled.
	DecisionAck Decision = iota
	// DecisionRequeue leaves the message for redelivery (transport-level
	// failure after a valid parse).
	DecisionRequeue
	// DecisionDiscard drops the message without requeue (protocol
	// violation; no dead-letter path).
	DecisionDiscard
)

type publisher interface {
	Publish(ctx context.Context, queue, correlationID string, body []byte) error
}

type processingCache interface {
	MarkProcessing(ctx context.Context, correlationID string, startedAt time.Time) (bool, error)
}

// Consumer processes enhancement requests one message at a time:
// received -> validated -> processing -> result published -> ack.
type Consumer struct {
	resultQueue string
	broker      publisher
	cache       processingCache
	enhancer    enhance.Enhancer
	logger      *zap.Logger
}

// New constructs a request consumer publishing results to resultQueue.
func New(resultQueue string, b publisher, c processingCache, e enhance.Enhancer, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{resultQueue: resultQueue, broker: b, cache: c, enhancer: e, logger: logger}
}

// Run consumes the request queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context, client *broker.Client, requestQueue string) {
	client.Consume(ctx, requestQueue, func(ctx context.Context, d *broker.Delivery) {
		switch c.Process(ctx, d.Body) {
		case DecisionAck:
			if err := d.Ack(ctx); err != nil {
				c.logger.Error("ack failed", zap.String("id", d.ID), zap.Error(err))
			}
		case DecisionRequeue:
			_ = d.Nack(ctx, true)
		case DecisionDiscard:
			if err := d.Nack(ctx, false); err != nil {
				c.logger.Error("discard failed", zap.String("id", d.ID), zap.Error(err))
			}
		}
	})
}

// Process handles one request message body and returns the ack decision. A
// request is considered handled once a result envelope has been emitted,
// success or error; only transport and parsing failures differ.
func (c *Consumer) Process(ctx context.Context, body []byte) Decision {
	var envelope models.JobEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.logger.Error("unparseable request message, discarding",
			zap.ByteString("body", body), zap.Error(err))
		return DecisionDiscard
	}
	if envelope.CorrelationID == "" {
		// Without a correlation ID there is no cache or ledger record to
		// touch; protocol violation.
		c.logger.Error("request message missing correlation id, discarding",
			zap.ByteString("body", body))
		return DecisionDiscard
	}

	corrID := envelope.CorrelationID
	applied, err := c.cache.MarkProcessing(ctx, corrID, time.Now().UTC())
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		// Cache unreachable; retry the whole message.
		c.logger.Error("cache unavailable marking processing, requeueing",
			zap.String("correlation_id", corrID), zap.Error(err))
		return DecisionRequeue
	}
	if errors.Is(err, cache.ErrNotFound) {
		c.logger.Warn("no cache record for job, processing anyway",
			zap.String("correlation_id", corrID))
	} else if !applied {
		c.logger.Warn("job not pending, likely redelivery",
			zap.String("correlation_id", corrID))
	}

	result, enhanceErr := c.enhancer.Enhance(ctx, envelope.Section, envelope.Content, envelope.Context, envelope.Parameters)
	if enhanceErr != nil {
		c.logger.Warn("enhancement failed",
			zap.String("correlation_id", corrID),
			zap.String("section", envelope.Section),
			zap.Error(enhanceErr))
		return c.publishResult(ctx, models.ResultEnvelope{
			CorrelationID: corrID,
			Status:        models.ResultError,
			Error:         enhanceErr.Error(),
			Timestamp:     time.Now().UTC(),
		})
	}

	c.logger.Info("enhancement completed",
		zap.String("correlation_id", corrID),
		zap.String("section", envelope.Section),
		zap.Int("original_length", len(envelope.Content)),
		zap.Int("enhanced_length", len(result.Enhanced)))
	return c.publishResult(ctx, models.ResultEnvelope{
		CorrelationID: corrID,
		Status:        models.ResultSuccess,
		Result:        result,
		Timestamp:     time.Now().UTC(),
	})
}

func (c *Consumer) publishResult(ctx context.Context, envelope models.ResultEnvelope) Decision {
	body, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("marshal result envelope",
			zap.String("correlation_id", envelope.CorrelationID), zap.Error(err))
		return DecisionRequeue
	}
	if err := c.broker.Publish(ctx, c.resultQueue, envelope.CorrelationID, body); err != nil {
		c.logger.Error("publish result failed, requeueing request",
			zap.String("correlation_id", envelope.CorrelationID), zap.Error(err))
		return DecisionRequeue
	}
	return DecisionAck
}
