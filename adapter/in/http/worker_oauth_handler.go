package http

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"intake_server/core/port/in"
	"intake_server/infra/middleware"
	"intake_server/pkg/logger"
)

// OAuthStateStore OAuth state 저장/검증 인터페이스 (CSRF 보호)
type OAuthStateStore interface {
	Issue(ctx context.Context, companyID uuid.UUID) (string, error)
	// Consume returns the company bound to state; a state works once.
	Consume(ctx context.Context, state string) (uuid.UUID, error)
}

type OAuthHandler struct {
	connections in.ConnectionService
	stateStore  OAuthStateStore
}

func NewOAuthHandler(connections in.ConnectionService, stateStore OAuthStateStore) *OAuthHandler {
	return &OAuthHandler{connections: connections, stateStore: stateStore}
}

// Register mounts the connect start under the operator group and the
// provider callback on the public router.
func (h *OAuthHandler) Register(public, operator fiber.Router) {
	operator.Get("/oauth/connect", h.Connect)
	public.Get("/oauth/callback", h.Callback)
	public.Get("/oauth/google/callback", h.Callback)
}

func (h *OAuthHandler) Connect(c *fiber.Ctx) error {
	companyID, ok := middleware.CompanyID(c)
	if !ok {
		parsed, err := uuid.Parse(c.Query("company_id"))
		if err != nil || parsed == uuid.Nil {
			return ErrorResponse(c, fiber.StatusBadRequest, "company_id is required")
		}
		companyID = parsed
	}

	state, err := h.stateStore.Issue(c.UserContext(), companyID)
	if err != nil {
		return InternalErrorResponse(c, err, "issue oauth state")
	}

	logger.Info("[OAuthHandler.Connect] company %s started connect", companyID)
	return SuccessResponse(c, fiber.Map{
		"auth_url": h.connections.GetAuthURL(state),
		"state":    state,
	})
}

func (h *OAuthHandler) Callback(c *fiber.Ctx) error {
	if errParam := c.Query("error"); errParam != "" {
		logger.Warn("[OAuthHandler.Callback] provider error: %s - %s", errParam, c.Query("error_description"))
		return ErrorResponse(c, fiber.StatusBadRequest, "authorization denied: "+errParam)
	}
	code := c.Query("code")
	if code == "" {
		return ErrorResponse(c, fiber.StatusBadRequest, "missing code")
	}

	companyID, err := h.stateStore.Consume(c.UserContext(), c.Query("state"))
	if err != nil {
		logger.WithError(err).Warn("[OAuthHandler.Callback] state validation failed")
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid or expired state")
	}

	conn, err := h.connections.Connect(c.UserContext(), companyID, code)
	if err != nil {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return err
		}
		logger.WithError(err).Error("[OAuthHandler.Callback] connect failed for company %s", companyID)
		return ErrorResponse(c, fiber.StatusBadGateway, "could not connect mailbox")
	}

	logger.Info("[OAuthHandler.Callback] connection %d (%s) ready", conn.ID, conn.Email)
	return SuccessResponse(c, fiber.Map{
		"connection_id": conn.ID,
		"email":         conn.Email,
		"auto_import":   conn.AutoImport,
	})
}
