package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"enhancement-service/internal/telemetry"
)

// Connection states for the reconnection supervisor.
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
)

var (
	// ErrNotConnected is returned by Publish before Connect has succeeded.
	ErrNotConnected = errors.New("broker: not connected")
	// ErrConnectTimeout is returned when the startup connection window is
	// exhausted.
	ErrConnectTimeout = errors.New("broker: connect timed out")
)

// Handler is invoked once per delivered message. The handler must Ack or
// Nack the delivery explicitly; there is no implicit auto-ack.
type Handler func(ctx context.Context, d *Delivery)

// Options configures a broker client.
type Options struct {
	Addr           string
	Password       string
	DB             int
	Group          string
	Consumer       string
	Prefetch       int
	ReclaimIdle    time.Duration
	MaxDeliveries  int64
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Client owns the connection to the message broker. Queues are Redis streams
// with one consumer group per role; acknowledgement is explicit and delivery
// is at-least-once.
type Client struct {
	rdb           *redis.Client
	group         string
	consumer      string
	prefetch      int
	reclaimIdle   time.Duration
	maxDeliveries int64
	connectWindow time.Duration
	logger        *zap.Logger

	state  atomic.Int32
	queues []string
	mu     sync.Mutex
}

// New builds a broker client from options. Connect must be called before
// publishing or consuming.
func New(opts Options) *Client {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = 30 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 3
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
		group:         opts.Group,
		consumer:      opts.Consumer,
		prefetch:      opts.Prefetch,
		reclaimIdle:   opts.ReclaimIdle,
		maxDeliveries: opts.MaxDeliveries,
		connectWindow: opts.ConnectTimeout,
		logger:        opts.Logger,
	}
}

// Connect establishes the connection and asserts the named queues durable:
// each queue becomes a stream with the client's consumer group created if it
// does not already exist. Retries within the configured startup window.
func (c *Client) Connect(ctx context.Context, queues ...string) error {
	c.mu.Lock()
	c.queues = append([]string(nil), queues...)
	c.mu.Unlock()

	deadline := time.Now().Add(c.connectWindow)
	backoff := 250 * time.Millisecond
	for {
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		c.logger.Warn("broker connect failed, retrying",
			zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.state.Store(stateConnecting)
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.state.Store(stateDisconnected)
		return fmt.Errorf("ping broker: %w", err)
	}
	c.mu.Lock()
	queues := append([]string(nil), c.queues...)
	c.mu.Unlock()
	for _, q := range queues {
		err := c.rdb.XGroupCreateMkStream(ctx, q, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			c.state.Store(stateDisconnected)
			return fmt.Errorf("assert queue %s: %w", q, err)
		}
	}
	c.state.Store(stateConnected)
	c.logger.Info("broker connected",
		zap.String("group", c.group), zap.String("consumer", c.consumer))
	return nil
}

// Publish sends a persisted message to the named queue. The correlation ID
// travels as an entry-level field beside the body so it can be inspected
// without deserializing the payload.
func (c *Client) Publish(ctx context.Context, queue, correlationID string, body []byte) error {
	if c.state.Load() != stateConnected {
		return ErrNotConnected
	}
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: queue,
		Values: map[string]any{
			"correlation_id": correlationID,
			"message_id":     uuid.NewString(),
			"published_at":   time.Now().UnixMilli(),
			"body":           string(body),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume reads messages from the named queue and invokes the handler once
// per delivery. Up to prefetch messages are handled concurrently; the call
// blocks until the context is cancelled. Connection loss is handled by the
// reconnection supervisor and never returns an error to the caller.
func (c *Client) Consume(ctx context.Context, queue string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.state.Load() != stateConnected {
			c.reconnect(ctx)
			continue
		}

		reclaimed, err := c.reclaim(ctx, queue)
		if err != nil {
			c.onTransportError(err)
			continue
		}
		c.dispatch(ctx, queue, reclaimed, handler)

		streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{queue, ">"},
			Count:    int64(c.prefetch),
			Block:    2 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			c.onTransportError(err)
			continue
		}
		for _, s := range streams {
			batch := make([]delivery, 0, len(s.Messages))
			for _, m := range s.Messages {
				batch = append(batch, delivery{msg: m, deliveries: 1})
			}
			c.dispatch(ctx, queue, batch, handler)
		}
	}
}

type delivery struct {
	msg        redis.XMessage
	deliveries int64
}

// reclaim picks up pending entries whose consumer went away or whose handler
// never acknowledged, discarding those past the delivery limit.
func (c *Client) reclaim(ctx context.Context, queue string) ([]delivery, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: queue,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  int64(c.prefetch),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}

	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.Idle < c.reclaimIdle {
			continue
		}
		if p.RetryCount > c.maxDeliveries {
			// Bounded retry-then-discard: no dead-letter queue, so drop
			// and account for it.
			if err := c.discard(ctx, queue, p.ID); err != nil {
				return nil, err
			}
			telemetry.PoisonCounter.Inc()
			c.logger.Warn("discarding message over delivery limit",
				zap.String("queue", queue),
				zap.String("id", p.ID),
				zap.Int64("deliveries", p.RetryCount))
			continue
		}
		deliveries[p.ID] = p.RetryCount
	}
	if len(deliveries) == 0 {
		return nil, nil
	}

	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   queue,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.reclaimIdle,
		Start:    "0-0",
		Count:    int64(c.prefetch),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	out := make([]delivery, 0, len(msgs))
	for _, m := range msgs {
		count, ok := deliveries[m.ID]
		if !ok {
			count = 1
		}
		telemetry.RedeliveryCounter.Inc()
		out = append(out, delivery{msg: m, deliveries: count})
	}
	return out, nil
}

// dispatch hands a batch to the handler, one goroutine per message, and
// waits for the batch so in-flight work stays bounded by prefetch.
func (c *Client) dispatch(ctx context.Context, queue string, batch []delivery, handler Handler) {
	if len(batch) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, d := range batch {
		del, ok := c.newDelivery(ctx, queue, d)
		if !ok {
			continue
		}
		wg.Add(1)
		telemetry.InFlightGauge.Inc()
		go func() {
			defer wg.Done()
			defer telemetry.InFlightGauge.Dec()
			handler(ctx, del)
		}()
	}
	wg.Wait()
}

// newDelivery validates the entry-level fields. Entries without a body are
// protocol violations and are discarded immediately.
func (c *Client) newDelivery(ctx context.Context, queue string, d delivery) (*Delivery, bool) {
	body, ok := d.msg.Values["body"].(string)
	if !ok {
		if err := c.discard(ctx, queue, d.msg.ID); err != nil {
			c.onTransportError(err)
			return nil, false
		}
		telemetry.PoisonCounter.Inc()
		c.logger.Warn("discarding entry without body",
			zap.String("queue", queue), zap.String("id", d.msg.ID))
		return nil, false
	}
	correlationID, _ := d.msg.Values["correlation_id"].(string)
	messageID, _ := d.msg.Values["message_id"].(string)
	return &Delivery{
		ID:            d.msg.ID,
		CorrelationID: correlationID,
		MessageID:     messageID,
		Body:          []byte(body),
		Deliveries:    d.deliveries,
		queue:         queue,
		client:        c,
	}, true
}

func (c *Client) discard(ctx context.Context, queue, id string) error {
	if err := c.rdb.XAck(ctx, queue, c.group, id).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	if err := c.rdb.XDel(ctx, queue, id).Err(); err != nil {
		return fmt.Errorf("del %s: %w", id, err)
	}
	return nil
}

func (c *Client) onTransportError(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	c.logger.Error("broker transport error", zap.Error(err))
	c.state.Store(stateDisconnected)
}

// reconnect drives the disconnected -> connecting -> connected supervisor
// loop with capped exponential backoff. It returns when connected or when the
// context is cancelled.
func (c *Client) reconnect(ctx context.Context) {
	backoff := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.connectOnce(ctx); err == nil {
			return
		}
		c.logger.Warn("broker reconnecting", zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.state.Store(stateDisconnected)
	return c.rdb.Close()
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// Delivery is a single message handed to a Handler. Exactly one of Ack or
// Nack must be called.
type Delivery struct {
	ID            string
	CorrelationID string
	MessageID     string
	Body          []byte
	Deliveries    int64

	queue  string
	client *Client
}

// Ack confirms the message is handled and removes it from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.client.discard(ctx, d.queue, d.ID)
}

// Nack rejects the message. With requeue the entry stays pending and is
// redelivered after the reclaim idle period; without requeue it is discarded
// (poison-message policy).
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	if requeue {
		// Leave the entry pending; the reclaimer redelivers it.
		return nil
	}
	if err := d.client.discard(ctx, d.queue, d.ID); err != nil {
		return err
	}
	telemetry.PoisonCounter.Inc()
	d.client.logger.Warn("message discarded without requeue",
		zap.String("queue", d.queue),
		zap.String("id", d.ID),
		zap.String("correlation_id", d.CorrelationID),
		zap.ByteString("body", d.Body))
	return nil
}
