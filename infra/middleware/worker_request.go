package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"intake_server/pkg/logger"
)

const (
	LocalRequestID  = "request_id"
	HeaderRequestID = "X-Request-ID"
)

// RequestID propagates X-Request-ID, minting one when the caller sent none.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Locals(LocalRequestID, id)
		c.Set(HeaderRequestID, id)
		return c.Next()
	}
}

// RequestLogger logs one line per request. Probes are silent and successful
// push deliveries log at debug; Pub/Sub sends a lot of them.
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			// the error handler has not run yet
			status = Classify(err).Status
		}
		path := c.Path()
		if isProbe(path) && status < 400 {
			return err
		}

		requestID, _ := c.Locals(LocalRequestID).(string)
		log := logger.WithFields(map[string]any{
			"request_id":  requestID,
			"method":      c.Method(),
			"path":        path,
			"status":      status,
			"duration_ms": float64(time.Since(start).Microseconds()) / 1000.0,
			"ip":          c.IP(),
		})
		if companyID, ok := CompanyID(c); ok {
			log = log.WithField("company_id", companyID.String())
		}

		switch {
		case status >= 500:
			log.Error("%s %s -> %d", c.Method(), path, status)
		case status >= 400:
			log.Warn("%s %s -> %d", c.Method(), path, status)
		case isPush(path):
			log.Debug("%s %s -> %d", c.Method(), path, status)
		default:
			log.Info("%s %s -> %d", c.Method(), path, status)
		}
		return err
	}
}

func isProbe(path string) bool {
	return path == "/health" || path == "/ready" || path == "/metrics"
}

func isPush(path string) bool {
	return strings.HasPrefix(path, "/push/") || strings.HasPrefix(path, "/webhook/")
}
