package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"intake_server/pkg/apperr"
	"intake_server/pkg/ratelimit"
)

// RateLimit rejects requests over the limiter's budget with 429. The key
// defaults to the client IP.
func RateLimit(limiter ratelimit.Limiter, scope string, keyFn func(*fiber.Ctx) string) fiber.Handler {
	if keyFn == nil {
		keyFn = func(c *fiber.Ctx) string { return c.IP() }
	}
	return func(c *fiber.Ctx) error {
		ok, wait := limiter.Allow(c.Context(), ratelimit.Key(scope, keyFn(c)))
		if ok {
			return c.Next()
		}
		retry := int(wait.Round(time.Second) / time.Second)
		if retry < 1 {
			retry = 1
		}
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retry))
		return apperr.New(apperr.CodeRateLimited, "rate limit exceeded", fiber.StatusTooManyRequests).
			WithDetail("scope", scope).
			WithDetail("retry_after", retry)
	}
}
