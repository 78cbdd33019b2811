package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

const (
	ExchangeName    = "intake"
	DLQExchangeName = "intake.dlq"

	headerRetry = "x-retry-count"
	headerError = "x-original-error"
)

// DialAMQP opens a broker connection and declares both exchanges.
func DialAMQP(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	for _, name := range []string{ExchangeName, DLQExchangeName} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return conn, nil
}

// =============================================================================
// Publisher
// =============================================================================

// AMQPScoringQueue implements out.ScoringQueue over a topic exchange.
type AMQPScoringQueue struct {
	conn *amqp.Connection

	mu sync.Mutex // amqp channels are not safe for concurrent publish
	ch *amqp.Channel
}

func NewAMQPScoringQueue(conn *amqp.Connection) (*AMQPScoringQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &AMQPScoringQueue{conn: conn, ch: ch}, nil
}

func (q *AMQPScoringQueue) PublishScoring(ctx context.Context, task domain.ScoringTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, ExchangeName, out.RoutingKeyScoring, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// IsConnected reports whether the broker connection is still open.
func (q *AMQPScoringQueue) IsConnected() bool {
	return q.conn != nil && !q.conn.IsClosed()
}

func (q *AMQPScoringQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Close()
}

var _ out.ScoringQueue = (*AMQPScoringQueue)(nil)

// =============================================================================
// Consumer
// =============================================================================

// AMQPConsumerConfig configures one queue bound to one routing key.
type AMQPConsumerConfig struct {
	Queue      string
	RoutingKey string
	Handler    JobHandler
	Logger     zerolog.Logger
	Prefetch   int
	MaxRetries int
	RetryDelay time.Duration
}

// AMQPConsumer consumes with manual ack. Failed deliveries are republished
// with an incremented retry header; after MaxRetries they go to the DLQ.
type AMQPConsumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	cfg  AMQPConsumerConfig
	log  zerolog.Logger
}

func NewAMQPConsumer(conn *amqp.Connection, cfg AMQPConsumerConfig) (*AMQPConsumer, error) {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := declareQueue(ch, cfg.Queue, cfg.RoutingKey); err != nil {
		ch.Close()
		return nil, err
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	return &AMQPConsumer{
		conn: conn,
		ch:   ch,
		cfg:  cfg,
		log:  cfg.Logger.With().Str("queue", cfg.Queue).Logger(),
	}, nil
}

// declareQueue declares the work queue and its dead letter twin.
func declareQueue(ch *amqp.Channel, queue, routingKey string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, routingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, routingKey, DLQExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", dlq, err)
	}
	return nil
}

// Run consumes until ctx is done or the channel closes.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}
	c.log.Info().Str("routing_key", c.cfg.RoutingKey).Msg("starting amqp consumer")

	for {
		select {
		case <-ctx.Done():
			_ = c.ch.Close()
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *AMQPConsumer) handle(ctx context.Context, d amqp.Delivery) {
	err := c.safeHandle(ctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.log.Error().Err(ackErr).Msg("error acknowledging message")
		}
		return
	}

	retries := retryCount(d.Headers)
	c.log.Warn().Err(err).Int("retries", retries).Msg("error processing message")

	var pubErr error
	if errors.Is(err, ErrDiscard) || retries+1 >= c.cfg.MaxRetries {
		pubErr = c.republish(ctx, DLQExchangeName, d, retries, err)
	} else {
		select {
		case <-ctx.Done():
			_ = d.Nack(false, true)
			return
		case <-time.After(retryBackoff(c.cfg.RetryDelay, retries)):
		}
		pubErr = c.republish(ctx, ExchangeName, d, retries+1, err)
	}

	if pubErr != nil {
		c.log.Error().Err(pubErr).Msg("republish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// safeHandle turns a handler panic into a discard.
func (c *AMQPConsumer) safeHandle(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDiscard, r)
		}
	}()
	return c.cfg.Handler.Handle(ctx, c.cfg.Queue, d.Body)
}

func (c *AMQPConsumer) republish(ctx context.Context, exchange string, d amqp.Delivery, retries int, cause error) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerRetry] = int32(retries)
	headers[headerError] = cause.Error()

	return c.ch.PublishWithContext(ctx, exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		Headers:      headers,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// retryCount reads the retry header; brokers may hand back any int width.
func retryCount(h amqp.Table) int {
	switch v := h[headerRetry].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	}
	return 0
}

func retryBackoff(base time.Duration, retries int) time.Duration {
	return base * time.Duration(1<<min(max(retries, 0), 6))
}
