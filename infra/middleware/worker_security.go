package middleware

import (
	"github.com/gofiber/fiber/v2"

	"intake_server/pkg/apperr"
)

// JSON-only service: nothing may be framed, sniffed or embedded.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "no-referrer",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Cache-Control":             "no-store",
}

func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		for k, v := range securityHeaders {
			c.Set(k, v)
		}
		return c.Next()
	}
}

// MaxBodySize rejects bodies over maxBytes. The declared length is checked
// first so oversized push bodies are refused before they are read.
func MaxBodySize(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if n := c.Request().Header.ContentLength(); n > maxBytes || len(c.Body()) > maxBytes {
			return apperr.New(apperr.CodeTooLarge, "request body too large", fiber.StatusRequestEntityTooLarge).
				WithDetail("max_size", maxBytes)
		}
		return c.Next()
	}
}
