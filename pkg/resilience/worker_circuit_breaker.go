// Package resilience provides fault tolerance patterns for external service calls.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"intake_server/pkg/logger"
)

var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	Name                string
	MaxRequests         uint32        // Half-open 상태에서 허용할 요청 수
	Interval            time.Duration // Closed 상태에서 카운터 리셋 간격
	Timeout             time.Duration // Open 상태 유지 시간 (이후 Half-open)
	ConsecutiveFailures uint32
	MinRequests         uint32
	FailureRatio        float64
}

// DefaultBreakerConfig returns the settings used for Gmail and OpenAI.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.6,
	}
}

// Breaker wraps gobreaker and lets callers mark errors that must not count
// as failures (client errors, not-found, expired credentials).
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that trips on N consecutive failures or a
// failure ratio over a minimum request count.
func NewBreaker(cfg BreakerConfig) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures > cfg.ConsecutiveFailures {
				return true
			}
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			var pt *passThrough
			return err == nil || errors.As(err, &pt)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// passThrough carries an error that should be returned to the caller
// without being counted against the breaker.
type passThrough struct{ err error }

func (p *passThrough) Error() string { return p.err.Error() }

// Execute runs fn under the breaker. isFailure decides whether a non-nil
// error counts toward tripping; nil means every error counts.
func (b *Breaker) Execute(fn func() error, isFailure func(error) bool) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if isFailure != nil && !isFailure(err) {
				return nil, &passThrough{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var pt *passThrough
	if errors.As(err, &pt) {
		return pt.err
	}
	return err
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsOpen reports whether calls currently fail fast.
func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
