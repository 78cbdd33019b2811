package persistence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OAuthStateKey Redis key prefix for OAuth state
const OAuthStateKey = "oauth:state:"

// DefaultStateTTL bounds how long a consent screen may stay open.
const DefaultStateTTL = 10 * time.Minute

var ErrStateInvalid = errors.New("oauth state not found or expired")

// RedisOAuthStateStore Redis 기반 OAuth state 저장소 (CSRF 보호)
type RedisOAuthStateStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisOAuthStateStore(client redis.Cmdable) *RedisOAuthStateStore {
	return &RedisOAuthStateStore{client: client, ttl: DefaultStateTTL}
}

// Issue creates a random state bound to the company starting the connect flow.
func (s *RedisOAuthStateStore) Issue(ctx context.Context, companyID uuid.UUID) (string, error) {
	if companyID == uuid.Nil {
		return "", errors.New("companyID cannot be nil")
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := hex.EncodeToString(buf)

	if err := s.client.Set(ctx, OAuthStateKey+state, companyID.String(), s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return state, nil
}

// Consume validates the state and returns its company. A state works once.
func (s *RedisOAuthStateStore) Consume(ctx context.Context, state string) (uuid.UUID, error) {
	if state == "" {
		return uuid.Nil, ErrStateInvalid
	}

	// GETDEL: 값을 가져오면서 동시에 삭제 (재사용 방지)
	value, err := s.client.GetDel(ctx, OAuthStateKey+state).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrStateInvalid
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to validate OAuth state: %w", err)
	}

	companyID, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid companyID in state: %w", err)
	}
	return companyID, nil
}
