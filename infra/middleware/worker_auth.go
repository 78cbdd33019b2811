package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"intake_server/pkg/logger"
)

// Locals keys set by the auth middleware.
const (
	LocalCompanyID = "company_id"
	LocalOperator  = "operator"
)

// HeaderCompanyID scopes an operator request to one tenant.
const HeaderCompanyID = "X-Company-ID"

// OperatorAuth guards the operator API with a static bearer token. An empty
// token disables the API entirely rather than leaving it open.
func OperatorAuth(token string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if token == "" {
			return fiber.NewError(fiber.StatusServiceUnavailable, "operator API disabled")
		}

		got := bearer(c.Get(fiber.HeaderAuthorization))
		if got == "" {
			got = c.Get("X-API-Key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logger.WithField("ip", c.IP()).Warn("[OperatorAuth] rejected %s %s", c.Method(), c.Path())
			return fiber.NewError(fiber.StatusUnauthorized, "invalid operator token")
		}
		c.Locals(LocalOperator, true)

		if raw := c.Get(HeaderCompanyID); raw != "" {
			companyID, err := uuid.Parse(raw)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid "+HeaderCompanyID)
			}
			c.Locals(LocalCompanyID, companyID)
		}
		return c.Next()
	}
}

// CompanyID returns the tenant set by OperatorAuth, if any.
func CompanyID(c *fiber.Ctx) (uuid.UUID, bool) {
	id, ok := c.Locals(LocalCompanyID).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func bearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
