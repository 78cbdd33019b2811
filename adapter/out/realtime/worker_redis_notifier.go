// Package realtime publishes pipeline events and usage counters to Redis.
package realtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"intake_server/core/port/out"
)

const publishTimeout = 2 * time.Second

// Event is the wire form of one notification.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	CompanyID string         `json:"company_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// ChannelFor is the pub/sub channel a company's events go to.
func ChannelFor(companyID uuid.UUID) string {
	return "intake:events:" + companyID.String()
}

// RedisNotifier implements out.NotificationSink with PUBLISH.
type RedisNotifier struct {
	client redis.Cmdable
	log    zerolog.Logger
	seq    int64
}

func NewRedisNotifier(client redis.Cmdable, log zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		client: client,
		log:    log.With().Str("component", "notifier").Logger(),
	}
}

func (n *RedisNotifier) Notify(ctx context.Context, companyID uuid.UUID, eventType string, payload map[string]any) error {
	evt := Event{
		Seq:       atomic.AddInt64(&n.seq, 1),
		Type:      eventType,
		CompanyID: companyID.String(),
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	receivers, err := n.client.Publish(ctx, ChannelFor(companyID), data).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	n.log.Debug().
		Str("type", eventType).
		Str("company_id", evt.CompanyID).
		Int64("receivers", receivers).
		Msg("event published")
	return nil
}

// LogNotifier only logs. Used when Redis is not configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notifier").Logger()}
}

func (n *LogNotifier) Notify(ctx context.Context, companyID uuid.UUID, eventType string, payload map[string]any) error {
	n.log.Info().
		Str("type", eventType).
		Str("company_id", companyID.String()).
		Interface("payload", payload).
		Msg("event")
	return nil
}

var (
	_ out.NotificationSink = (*RedisNotifier)(nil)
	_ out.NotificationSink = (*LogNotifier)(nil)
)
