// Package reconciler consumes result envelopes and merges them back into the
// cache and the ledger, recording usage metrics.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"enhancement-service/internal/broker"
	"enhancement-service/internal/cache"
	"enhancement-service/internal/models"
	"enhancement-service/internal/telemetry"
	"enhancement-service/internal/worker"
)

type terminalCache interface {
	GetJob(ctx context.Context, correlationID string) (*models.JobRecord, error)
	MarkCompleted(ctx context.Context, correlationID string, result *models.EnhancementResult, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, correlationID, errMsg string, at time.Time) (bool, error)
}

type resultLedger interface {
	UpdateRequestStatus(ctx context.Context, correlationID, status string, completedAt *time.Time, processingTimeMs *int64, errMsg string) error
	InsertResultIfAbsent(ctx context.Context, correlationID, enhancedContent string, metadata map[string]any, modelUsed string, tokensUsed int64) (bool, error)
	RecordUsage(ctx context.Context, at time.Time, userID string, success bool, tokensUsed int64, processingTimeMs int64) error
}

// Reconciler drives terminal state into both stores. The cache write is the
// authoritative one for the client-facing poll; ledger writes are
// best-effort and never block acknowledgement.
type Reconciler struct {
	cache  terminalCache
	ledger resultLedger
	logger *zap.Logger
}

// New constructs a reconciler.
func New(c terminalCache, l resultLedger, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{cache: c, ledger: l, logger: logger}
}

// Run consumes the result queue until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, client *broker.Client, resultQueue string) {
	client.Consume(ctx, resultQueue, func(ctx context.Context, d *broker.Delivery) {
		switch r.Process(ctx, d.Body) {
		case worker.DecisionAck:
			if err := d.Ack(ctx); err != nil {
				r.logger.Error("ack failed", zap.String("id", d.ID), zap.Error(err))
			}
		case worker.DecisionRequeue:
			_ = d.Nack(ctx, true)
		case worker.DecisionDiscard:
			if err := d.Nack(ctx, false); err != nil {
				r.logger.Error("discard failed", zap.String("id", d.ID), zap.Error(err))
			}
		}
	})
}

// Process handles one result message body and returns the ack decision.
func (r *Reconciler) Process(ctx context.Context, body []byte) worker.Decision {
	var envelope models.ResultEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		r.logger.Error("unparseable result message, discarding",
			zap.ByteString("body", body), zap.Error(err))
		return worker.DecisionDiscard
	}
	if envelope.CorrelationID == "" {
		r.logger.Error("result message missing correlation id, discarding",
			zap.ByteString("body", body))
		return worker.DecisionDiscard
	}

	corrID := envelope.CorrelationID
	now := time.Now().UTC()

	// The cache record may have expired or never been written; that is a
	// warning, not a stop condition.
	rec, err := r.cache.GetJob(ctx, corrID)
	if errors.Is(err, cache.ErrNotFound) {
		r.logger.Warn("no cache record for result, proceeding",
			zap.String("correlation_id", corrID))
	} else if err != nil {
		r.logger.Error("cache unavailable reading job, requeueing",
			zap.String("correlation_id", corrID), zap.Error(err))
		return worker.DecisionRequeue
	}

	processingTime := processingTimeMs(rec, now)

	switch envelope.Status {
	case models.ResultSuccess:
		if envelope.Result == nil {
			r.logger.Error("success result without payload, discarding",
				zap.String("correlation_id", corrID))
			return worker.DecisionDiscard
		}
		return r.reconcileSuccess(ctx, corrID, envelope.Result, now, processingTime)
	case models.ResultError:
		return r.reconcileFailure(ctx, corrID, envelope.Error, now, processingTime)
	default:
		r.logger.Error("unknown result status, discarding",
			zap.String("correlation_id", corrID), zap.String("status", envelope.Status))
		return worker.DecisionDiscard
	}
}

func (r *Reconciler) reconcileSuccess(ctx context.Context, corrID string, result *models.EnhancementResult, now time.Time, processingTime int64) worker.Decision {
	applied, err := r.cache.MarkCompleted(ctx, corrID, result, now)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		r.logger.Error("cache terminal write failed, requeueing",
			zap.String("correlation_id", corrID), zap.Error(err))
		return worker.DecisionRequeue
	}
	if err == nil && !applied {
		r.logger.Info("job already terminal in cache, duplicate result",
			zap.String("correlation_id", corrID))
	}

	if err := r.ledger.UpdateRequestStatus(ctx, corrID, models.StatusCompleted, &now, &processingTime, ""); err != nil {
		r.logger.Error("ledger status update failed",
			zap.String("correlation_id", corrID), zap.Error(err))
	}

	modelUsed, tokensUsed := resultUsage(result.Metadata)
	inserted, err := r.ledger.InsertResultIfAbsent(ctx, corrID, result.Enhanced, result.Metadata, modelUsed, tokensUsed)
	if err != nil {
		r.logger.Error("ledger result insert failed",
			zap.String("correlation_id", corrID), zap.Error(err))
	} else if !inserted {
		// The existence check doubles as the idempotency safeguard
		// against duplicate delivery: skip the usage increment too.
		r.logger.Info("result row already present, skipping usage update",
			zap.String("correlation_id", corrID))
		return worker.DecisionAck
	}

	if err := r.ledger.RecordUsage(ctx, now, "", true, tokensUsed, processingTime); err != nil {
		r.logger.Error("usage update failed",
			zap.String("correlation_id", corrID), zap.Error(err))
	}

	telemetry.CompletedCounter.Inc()
	r.logger.Info("job reconciled as completed",
		zap.String("correlation_id", corrID),
		zap.Int64("processing_time_ms", processingTime))
	return worker.DecisionAck
}

func (r *Reconciler) reconcileFailure(ctx context.Context, corrID, errMsg string, now time.Time, processingTime int64) worker.Decision {
	applied, err := r.cache.MarkFailed(ctx, corrID, errMsg, now)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		r.logger.Error("cache terminal write failed, requeueing",
			zap.String("correlation_id", corrID), zap.Error(err))
		return worker.DecisionRequeue
	}
	if err == nil && !applied {
		r.logger.Info("job already terminal in cache, duplicate result",
			zap.String("correlation_id", corrID))
		return worker.DecisionAck
	}

	if err := r.ledger.UpdateRequestStatus(ctx, corrID, models.StatusFailed, &now, nil, errMsg); err != nil {
		r.logger.Error("ledger status update failed",
			zap.String("correlation_id", corrID), zap.Error(err))
	}
	if err := r.ledger.RecordUsage(ctx, now, "", false, 0, processingTime); err != nil {
		r.logger.Error("usage update failed",
			zap.String("correlation_id", corrID), zap.Error(err))
	}

	telemetry.FailedCounter.Inc()
	r.logger.Info("job reconciled as failed",
		zap.String("correlation_id", corrID), zap.String("error", errMsg))
	return worker.DecisionAck
}

// processingTimeMs measures from processingStartedAt, falling back to
// createdAt, then to zero when the cache record is gone.
func processingTimeMs(rec *models.JobRecord, now time.Time) int64 {
	if rec == nil {
		return 0
	}
	start := rec.CreatedAt
	if rec.ProcessingStartedAt != nil {
		start = *rec.ProcessingStartedAt
	}
	if start.IsZero() {
		return 0
	}
	return now.Sub(start).Milliseconds()
}

func resultUsage(metadata map[string]any) (string, int64) {
	model, _ := metadata["model"].(string)
	return model, asInt64(metadata["tokensUsed"])
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
