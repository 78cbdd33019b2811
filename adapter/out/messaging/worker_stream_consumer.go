package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// JobHandler processes jobs from streams and queues.
type JobHandler interface {
	Handle(ctx context.Context, stream string, data []byte) error
}

// ErrDiscard marks a message that can never succeed. It goes straight to
// the DLQ instead of being retried.
var ErrDiscard = errors.New("discard message")

const (
	dataField = "data"
	dlqPrefix = "dlq:"
)

// ConsumerConfig holds consumer configuration. Zero values get defaults.
type ConsumerConfig struct {
	Group    string
	Consumer string
	Streams  []string
	Handler  JobHandler
	Logger   zerolog.Logger

	// Pending 재처리
	PendingCheckInterval time.Duration // 30s
	PendingIdleTime      time.Duration // 2m, doubled per delivery
	MaxRetries           int           // 3

	BatchSize int64         // 10
	Block     time.Duration // 5s
}

func (cfg *ConsumerConfig) withDefaults() {
	if cfg.PendingCheckInterval <= 0 {
		cfg.PendingCheckInterval = 30 * time.Second
	}
	if cfg.PendingIdleTime <= 0 {
		cfg.PendingIdleTime = 2 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
}

// Consumer reads scoring tasks from Redis Streams through a consumer group.
// Failed entries stay pending and are reclaimed with growing idle time;
// after MaxRetries deliveries, or on ErrDiscard, they move to dlq:<stream>.
type Consumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	log    zerolog.Logger
}

// NewConsumer creates a new Consumer.
func NewConsumer(client *redis.Client, cfg *ConsumerConfig) *Consumer {
	c := *cfg
	c.withDefaults()
	return &Consumer{
		client: client,
		cfg:    c,
		log:    c.Logger.With().Str("group", c.Group).Logger(),
	}
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	if len(c.cfg.Streams) == 0 {
		return errors.New("stream consumer: no streams configured")
	}
	for _, stream := range c.cfg.Streams {
		c.ensureGroup(ctx, stream)
	}
	c.log.Info().
		Str("consumer", c.cfg.Consumer).
		Strs("streams", c.cfg.Streams).
		Dur("reclaim_idle", c.cfg.PendingIdleTime).
		Int("max_retries", c.cfg.MaxRetries).
		Msg("starting stream consumer")

	go c.reclaimLoop(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := c.read(ctx)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error().Err(err).Msg("error reading from streams")
			time.Sleep(time.Second)
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.deliver(ctx, s.Stream, msg)
			}
		}
	}
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		c.log.Warn().Err(err).Str("stream", stream).Msg("error creating consumer group")
	}
}

func (c *Consumer) read(ctx context.Context) ([]redis.XStream, error) {
	// XREADGROUP takes all stream names first, then one ">" per stream
	args := make([]string, 0, len(c.cfg.Streams)*2)
	args = append(args, c.cfg.Streams...)
	for range c.cfg.Streams {
		args = append(args, ">")
	}

	return c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  args,
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
}

// deliver runs the handler and settles the entry. A plain failure leaves it
// pending for the reclaim loop.
func (c *Consumer) deliver(ctx context.Context, stream string, msg redis.XMessage) {
	err := c.safeHandle(ctx, stream, msg)
	switch {
	case err == nil:
		if ackErr := c.client.XAck(ctx, stream, c.cfg.Group, msg.ID).Err(); ackErr != nil {
			c.log.Error().Err(ackErr).Str("stream", stream).Str("id", msg.ID).Msg("error acknowledging message")
		}
	case errors.Is(err, ErrDiscard):
		c.log.Warn().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("discarding message")
		c.deadLetter(ctx, stream, msg, err.Error())
	default:
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error processing message, left pending")
	}
}

// safeHandle turns a malformed entry or a handler panic into a discard.
func (c *Consumer) safeHandle(ctx context.Context, stream string, msg redis.XMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDiscard, r)
		}
	}()

	data, err := payload(msg)
	if err != nil {
		return err
	}
	return c.cfg.Handler.Handle(ctx, stream, data)
}

// payload extracts the JSON body written by publish.
func payload(msg redis.XMessage) ([]byte, error) {
	v, ok := msg.Values[dataField]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q field", ErrDiscard, dataField)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, not string", ErrDiscard, dataField, v)
	}
	return []byte(s), nil
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range c.cfg.Streams {
				c.reclaim(ctx, stream)
			}
		}
	}
}

// reclaim dead-letters exhausted entries and redelivers the due ones.
func (c *Consumer) reclaim(ctx context.Context, stream string) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Error().Err(err).Str("stream", stream).Msg("error listing pending messages")
		}
		return
	}

	var due []string
	for _, p := range pending {
		if !reclaimDue(p.Idle, p.RetryCount, c.cfg.PendingIdleTime) {
			continue
		}
		if int(p.RetryCount) >= c.cfg.MaxRetries {
			c.log.Warn().Str("stream", stream).Str("id", p.ID).Int64("deliveries", p.RetryCount).
				Msg("message exceeded max retries")
			c.deadLetterByID(ctx, stream, p.ID, fmt.Sprintf("exceeded %d deliveries", c.cfg.MaxRetries))
			continue
		}
		due = append(due, p.ID)
	}
	if len(due) == 0 {
		return
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.PendingIdleTime,
		Messages: due,
	}).Result()
	if err != nil {
		c.log.Error().Err(err).Str("stream", stream).Int("count", len(due)).Msg("error claiming messages")
		return
	}

	c.log.Info().Str("stream", stream).Int("claimed", len(claimed)).Msg("redelivering pending messages")
	for _, msg := range claimed {
		c.deliver(ctx, stream, msg)
	}
}

// reclaimDue reports whether a pending entry has waited long enough:
// base, then 2x, 4x... per delivery.
func reclaimDue(idle time.Duration, deliveries int64, base time.Duration) bool {
	shift := max(deliveries-1, 0)
	return idle >= base*time.Duration(1<<min(shift, 6))
}

func (c *Consumer) deadLetterByID(ctx context.Context, stream, id, reason string) {
	msgs, err := c.client.XRange(ctx, stream, id, id).Result()
	if err != nil || len(msgs) == 0 {
		// trimmed away; nothing left to keep, just clear the PEL entry
		c.log.Warn().Err(err).Str("stream", stream).Str("id", id).Msg("pending entry gone, acknowledging")
		c.client.XAck(ctx, stream, c.cfg.Group, id)
		return
	}
	c.deadLetter(ctx, stream, msgs[0], reason)
}

// deadLetter copies the entry to dlq:<stream> and acks it in one MULTI.
func (c *Consumer) deadLetter(ctx context.Context, stream string, msg redis.XMessage, reason string) {
	dlq := dlqPrefix + stream
	values := dlqEntry(stream, msg, c.cfg.Group, c.cfg.Consumer, reason, time.Now())

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: dlq, Values: values})
		pipe.XAck(ctx, stream, c.cfg.Group, msg.ID)
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("error moving message to DLQ")
		return
	}
	c.log.Info().Str("dlq_stream", dlq).Str("id", msg.ID).Str("reason", reason).Msg("message moved to DLQ")
}

func dlqEntry(stream string, msg redis.XMessage, group, consumer, reason string, at time.Time) map[string]any {
	values := map[string]any{
		"original_stream": stream,
		"original_id":     msg.ID,
		"failed_at":       at.UTC().Format(time.RFC3339),
		"group":           group,
		"consumer":        consumer,
		"error":           reason,
	}
	for k, v := range msg.Values {
		values["original_"+k] = v
	}
	return values
}
