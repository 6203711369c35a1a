package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no request row exists for a correlation ID.
var ErrNotFound = errors.New("ledger: request not found")

// Store wraps pgxpool for durable persistence of requests, results, and
// usage aggregates.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRequestParams collects the inputs persisted at submission time.
type CreateRequestParams struct {
	CorrelationID string
	Section       string
	Content       string
	Context       map[string]string
	Parameters    map[string]any
	IPAddress     string
	Source        string
}

// CreateRequest inserts the durable request row for a freshly submitted job.
func (s *Store) CreateRequest(ctx context.Context, p CreateRequestParams) error {
	contextJSON, err := json.Marshal(orEmptyStr(p.Context))
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	paramsJSON, err := json.Marshal(orEmptyAny(p.Parameters))
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO enhancement_requests (id, correlation_id, section, original_content, context, parameters, ip_address, source, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', NOW())
	`, uuid.New(), p.CorrelationID, p.Section, p.Content, contextJSON, paramsJSON, emptyToNil(p.IPAddress), emptyToNil(p.Source))
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// UpdateRequestStatus sets the terminal status of a request row. completedAt
// and processingTimeMs are optional; errMsg is recorded for failures so a
// ledger-only poll can still surface the error string.
func (s *Store) UpdateRequestStatus(ctx context.Context, correlationID, status string, completedAt *time.Time, processingTimeMs *int64, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enhancement_requests
		SET status = $2,
		    completed_at = COALESCE($3, completed_at),
		    processing_time_ms = COALESCE($4, processing_time_ms),
		    error_message = NULLIF($5, '')
		WHERE correlation_id = $1
	`, correlationID, status, completedAt, processingTimeMs, errMsg)
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertResultIfAbsent writes the 0-or-1 result row for a request. The unique
// request_id constraint makes duplicate result delivery a no-op; the return
// value reports whether a row was actually inserted.
func (s *Store) InsertResultIfAbsent(ctx context.Context, correlationID, enhancedContent string, metadata map[string]any, modelUsed string, tokensUsed int64) (bool, error) {
	metadataJSON, err := json.Marshal(orEmptyAny(metadata))
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO enhancement_results (id, request_id, enhanced_content, metadata, model_used, tokens_used, created_at)
		SELECT $1, r.id, $3, $4, $5, $6, NOW()
		FROM enhancement_requests r
		WHERE r.correlation_id = $2
		ON CONFLICT (request_id) DO NOTHING
	`, uuid.New(), correlationID, enhancedContent, metadataJSON, emptyToNil(modelUsed), tokensUsed)
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequestWithResult is the joined durable view of a job used by the status
// fallback path.
type RequestWithResult struct {
	CorrelationID    string
	Section          string
	OriginalContent  string
	Status           string
	ErrorMessage     string
	CreatedAt        time.Time
	CompletedAt      *time.Time
	ProcessingTimeMs *int64
	EnhancedContent  *string
	Metadata         map[string]any
	ModelUsed        *string
	TokensUsed       *int64
}

// GetRequestWithResult fetches a request row joined with its result row, if
// one exists.
func (s *Store) GetRequestWithResult(ctx context.Context, correlationID string) (*RequestWithResult, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT r.correlation_id, r.section, r.original_content, r.status,
		       COALESCE(r.error_message, ''), r.created_at, r.completed_at, r.processing_time_ms,
		       res.enhanced_content, res.metadata, res.model_used, res.tokens_used
		FROM enhancement_requests r
		LEFT JOIN enhancement_results res ON res.request_id = r.id
		WHERE r.correlation_id = $1
	`, correlationID)

	var out RequestWithResult
	var metadataJSON []byte
	var modelUsed pgtype.Text
	var enhanced pgtype.Text
	if err := row.Scan(&out.CorrelationID, &out.Section, &out.OriginalContent, &out.Status,
		&out.ErrorMessage, &out.CreatedAt, &out.CompletedAt, &out.ProcessingTimeMs,
		&enhanced, &metadataJSON, &modelUsed, &out.TokensUsed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan request: %w", err)
	}
	out.EnhancedContent = textPtr(enhanced)
	out.ModelUsed = textPtr(modelUsed)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &out.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &out, nil
}

// RecordUsage updates the day-bucketed usage aggregate in a single upsert.
// The running mean is weighted in SQL rather than recomputed from raw
// samples, so concurrent reconcilers stay consistent.
func (s *Store) RecordUsage(ctx context.Context, at time.Time, userID string, success bool, tokensUsed int64, processingTimeMs int64) error {
	if userID == "" {
		userID = "anonymous"
	}
	day := at.UTC().Truncate(24 * time.Hour)
	succ, failed := 0, 1
	if success {
		succ, failed = 1, 0
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_usage (date, user_id, total_requests, successful_requests, failed_requests, total_tokens, average_processing_time)
		VALUES ($1, $2, 1, $3, $4, $5, $6)
		ON CONFLICT (date, user_id) DO UPDATE SET
			total_requests = api_usage.total_requests + 1,
			successful_requests = api_usage.successful_requests + EXCLUDED.successful_requests,
			failed_requests = api_usage.failed_requests + EXCLUDED.failed_requests,
			total_tokens = api_usage.total_tokens + EXCLUDED.total_tokens,
			average_processing_time = (api_usage.average_processing_time * api_usage.total_requests + EXCLUDED.average_processing_time) / (api_usage.total_requests + 1)
	`, day, userID, succ, failed, tokensUsed, float64(processingTimeMs))
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func orEmptyStr(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAny(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
