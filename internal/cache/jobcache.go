package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"enhancement-service/internal/models"
)

// ErrNotFound is returned when no record exists for a correlation ID. A
// missing record is not a job-loss signal; the ledger remains authoritative
// for expired entries.
var ErrNotFound = errors.New("cache: job not found")

// Hash field names. Every field has a fixed type; result is the only
// JSON-encoded field. No leading-character sniffing on read.
const (
	fieldStatus       = "status"
	fieldProgress     = "progress"
	fieldCreatedAt    = "created_at"
	fieldProcessingAt = "processing_started_at"
	fieldCompletedAt  = "completed_at"
	fieldFailedAt     = "failed_at"
	fieldError        = "error"
	fieldResult       = "result"
)

// Options configures a job cache store.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Logger   *zap.Logger
}

// Store keeps live job status in Redis, one hash per job with a TTL. Status
// transitions are guarded server-side so they stay monotonic under
// duplicate delivery.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New builds a cache store from options.
func New(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		ttl:    opts.TTL,
		logger: opts.Logger,
	}
}

// NewWithClient wraps an existing Redis client, mainly for tests.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{rdb: client, ttl: ttl, logger: logger}
}

// Connect verifies the connection.
func (s *Store) Connect(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping cache: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func key(correlationID string) string {
	return "job:" + correlationID
}

// CreateJob writes the initial pending record and arms the TTL.
func (s *Store) CreateJob(ctx context.Context, correlationID string, createdAt time.Time) error {
	k := key(correlationID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, k,
		fieldStatus, models.StatusPending,
		fieldProgress, "0",
		fieldCreatedAt, createdAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create job %s: %w", correlationID, err)
	}
	return nil
}

// MarkProcessing transitions pending -> processing. It reports whether the
// transition was applied; ErrNotFound means the record expired or was never
// written.
func (s *Store) MarkProcessing(ctx context.Context, correlationID string, startedAt time.Time) (bool, error) {
	res, err := markProcessingScript.Run(ctx, s.rdb, []string{key(correlationID)},
		startedAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("mark processing %s: %w", correlationID, err)
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// MarkCompleted transitions to completed with the result payload. A job
// already in a terminal state is left untouched, which makes duplicate
// result delivery a no-op.
func (s *Store) MarkCompleted(ctx context.Context, correlationID string, result *models.EnhancementResult, at time.Time) (bool, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode result %s: %w", correlationID, err)
	}
	res, err := markTerminalScript.Run(ctx, s.rdb, []string{key(correlationID)},
		fieldStatus, models.StatusCompleted,
		fieldProgress, "100",
		fieldCompletedAt, at.UTC().Format(time.RFC3339Nano),
		fieldResult, string(encoded),
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark completed %s: %w", correlationID, err)
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// MarkFailed transitions to failed with the captured error message.
func (s *Store) MarkFailed(ctx context.Context, correlationID, errMsg string, at time.Time) (bool, error) {
	res, err := markTerminalScript.Run(ctx, s.rdb, []string{key(correlationID)},
		fieldStatus, models.StatusFailed,
		fieldError, errMsg,
		fieldFailedAt, at.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark failed %s: %w", correlationID, err)
	}
	if res < 0 {
		return false, ErrNotFound
	}
	return res == 1, nil
}

// GetJob reads and decodes the record for a correlation ID.
func (s *Store) GetJob(ctx context.Context, correlationID string) (*models.JobRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, key(correlationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", correlationID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(correlationID, fields)
}

// Exists reports whether a record is present.
func (s *Store) Exists(ctx context.Context, correlationID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key(correlationID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", correlationID, err)
	}
	return n == 1, nil
}

// Delete removes a record. Used operationally and by TTL-expiry tests.
func (s *Store) Delete(ctx context.Context, correlationID string) error {
	return s.rdb.Del(ctx, key(correlationID)).Err()
}

func decodeRecord(correlationID string, fields map[string]string) (*models.JobRecord, error) {
	rec := &models.JobRecord{
		CorrelationID: correlationID,
		Status:        fields[fieldStatus],
		Error:         fields[fieldError],
	}
	if v, ok := fields[fieldProgress]; ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("decode progress %s: %w", correlationID, err)
		}
		rec.Progress = p
	}
	var err error
	if rec.CreatedAt, err = parseTime(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("decode created_at %s: %w", correlationID, err)
	}
	for field, dst := range map[string]**time.Time{
		fieldProcessingAt: &rec.ProcessingStartedAt,
		fieldCompletedAt:  &rec.CompletedAt,
		fieldFailedAt:     &rec.FailedAt,
	} {
		if v, ok := fields[field]; ok && v != "" {
			t, err := parseTime(v)
			if err != nil {
				return nil, fmt.Errorf("decode %s %s: %w", field, correlationID, err)
			}
			*dst = &t
		}
	}
	if v, ok := fields[fieldResult]; ok && v != "" {
		var result models.EnhancementResult
		if err := json.Unmarshal([]byte(v), &result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", correlationID, err)
		}
		rec.Result = &result
	}
	return rec, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

// markProcessingScript applies pending -> processing. Returns -1 when the
// record is missing, 0 when the transition does not apply, 1 when applied.
var markProcessingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'processing', 'processing_started_at', ARGV[1])
  return 1
end
return 0
`)

// markTerminalScript applies a terminal transition unless the record is
// already terminal. ARGV is a flat field/value list.
var markTerminalScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local s = redis.call('HGET', KEYS[1], 'status')
if s == 'completed' or s == 'failed' then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)
