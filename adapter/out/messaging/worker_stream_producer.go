// Package messaging carries scoring tasks over Redis Streams or AMQP.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// streamMaxLen caps the scoring stream; XADD trims approximately.
const streamMaxLen = 100_000

// RedisScoringQueue implements out.ScoringQueue using Redis Streams.
type RedisScoringQueue struct {
	client redis.Cmdable
	stream string
}

func NewRedisScoringQueue(client redis.Cmdable) *RedisScoringQueue {
	return &RedisScoringQueue{client: client, stream: out.StreamScoring}
}

func (q *RedisScoringQueue) PublishScoring(ctx context.Context, task domain.ScoringTask) error {
	return publish(ctx, q.client, q.stream, task)
}

// publish publishes a job to a stream using go-redis.
func publish(ctx context.Context, client redis.Cmdable, stream string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return nil
}

var _ out.ScoringQueue = (*RedisScoringQueue)(nil)
