package out

import (
	"context"
	"time"
)

// Locker provides short-lived distributed claims and locks.
type Locker interface {
	// Claim returns true the first time key is seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Acquire takes an exclusive lock; false means it is held elsewhere.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}
