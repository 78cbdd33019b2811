package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"intake_server/core/port/out"
)

// usageRetention keeps a month's hash around long enough for billing.
const usageRetention = 62 * 24 * time.Hour

// UsageKey is the per-company monthly usage hash.
func UsageKey(companyID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("usage:%s:%s", companyID, at.UTC().Format("2006-01"))
}

// RedisUsageMeter implements out.UsageMeter with HINCRBY per usage type.
type RedisUsageMeter struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisUsageMeter(client redis.Cmdable) *RedisUsageMeter {
	return &RedisUsageMeter{client: client, now: time.Now}
}

func (m *RedisUsageMeter) Track(ctx context.Context, companyID uuid.UUID, usageType string, count int64) error {
	if count <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := UsageKey(companyID, m.now())
	pipe := m.client.TxPipeline()
	pipe.HIncrBy(ctx, key, usageType, count)
	pipe.Expire(ctx, key, usageRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track usage %s: %w", usageType, err)
	}
	return nil
}

// Usage returns this month's counters for a company.
func (m *RedisUsageMeter) Usage(ctx context.Context, companyID uuid.UUID) (map[string]int64, error) {
	raw, err := m.client.HGetAll(ctx, UsageKey(companyID, m.now())).Result()
	if err != nil {
		return nil, err
	}
	usage := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		if _, err := fmt.Sscan(v, &n); err == nil {
			usage[k] = n
		}
	}
	return usage, nil
}

// LogUsageMeter logs usage instead of storing it.
type LogUsageMeter struct {
	log zerolog.Logger
}

func NewLogUsageMeter(log zerolog.Logger) *LogUsageMeter {
	return &LogUsageMeter{log: log.With().Str("component", "usage").Logger()}
}

func (m *LogUsageMeter) Track(ctx context.Context, companyID uuid.UUID, usageType string, count int64) error {
	m.log.Debug().Str("company_id", companyID.String()).Str("type", usageType).Int64("count", count).Msg("usage")
	return nil
}

var (
	_ out.UsageMeter = (*RedisUsageMeter)(nil)
	_ out.UsageMeter = (*LogUsageMeter)(nil)
)
