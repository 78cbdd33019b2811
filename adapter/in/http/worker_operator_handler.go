package http

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/pkg/logger"
)

// WatchController is the operator view of the watch lifecycle.
type WatchController interface {
	Establish(ctx context.Context, connectionID int64) error
	Cancel(ctx context.Context, connectionID int64) error
}

// UsageReader returns this month's metered usage for a company.
type UsageReader interface {
	Usage(ctx context.Context, companyID uuid.UUID) (map[string]int64, error)
}

// OperatorHandler exposes sync status and manual controls.
type OperatorHandler struct {
	status      in.SyncStatusReader
	syncer      in.ConnectionSyncer
	connections in.ConnectionService
	watches     WatchController
	usage       UsageReader
	enqueuer    Enqueuer

	detached func(fn func())
}

func NewOperatorHandler(
	status in.SyncStatusReader,
	syncer in.ConnectionSyncer,
	connections in.ConnectionService,
	watches WatchController,
	usage UsageReader,
	enqueuer Enqueuer,
) *OperatorHandler {
	return &OperatorHandler{
		status:      status,
		syncer:      syncer,
		connections: connections,
		watches:     watches,
		usage:       usage,
		enqueuer:    enqueuer,
		detached:    func(fn func()) { go fn() },
	}
}

func (h *OperatorHandler) Register(router fiber.Router) {
	conns := router.Group("/connections")
	conns.Get("/:id/status", h.Status)
	conns.Post("/:id/sync", h.Sync)
	conns.Post("/:id/watch", h.Watch)
	conns.Delete("/:id/watch", h.StopWatch)
	conns.Put("/:id/company-domain", h.SetCompanyDomain)
	conns.Delete("/:id", h.Disconnect)

	router.Get("/companies/:company/usage", h.Usage)
}

func (h *OperatorHandler) Status(c *fiber.Ctx) error {
	id, err := connectionID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	status, err := h.status.Status(c.UserContext(), id)
	if err != nil {
		return notFoundOr(c, err, "get sync status")
	}
	return SuccessResponse(c, status)
}

// Sync queues a manual sync; 202 means accepted, not finished.
func (h *OperatorHandler) Sync(c *fiber.Ctx) error {
	id, err := connectionID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	if _, err := h.status.Status(c.UserContext(), id); err != nil {
		return notFoundOr(c, err, "get connection")
	}

	if h.enqueuer != nil {
		if !h.enqueuer.EnqueueSync(id) {
			return ErrorResponse(c, fiber.StatusServiceUnavailable, "worker pool is full")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"connection_id": id, "queued": true})
	}

	h.detached(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DetachedSyncTimeout)
		defer cancel()
		if _, err := h.syncer.SyncConnection(ctx, id); err != nil {
			logger.WithError(err).Warn("[OperatorHandler.Sync] connection %d", id)
		}
	})
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"connection_id": id, "queued": false})
}

func (h *OperatorHandler) Watch(c *fiber.Ctx) error {
	id, err := connectionID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.watches.Establish(c.UserContext(), id); err != nil {
		// polling still covers this connection
		logger.WithError(err).Warn("[OperatorHandler.Watch] connection %d", id)
		return ErrorResponse(c, fiber.StatusBadGateway, "watch not established, polling continues")
	}
	status, err := h.status.Status(c.UserContext(), id)
	if err != nil {
		return notFoundOr(c, err, "get sync status")
	}
	return SuccessResponse(c, status)
}

func (h *OperatorHandler) StopWatch(c *fiber.Ctx) error {
	id, err := connectionID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.watches.Cancel(c.UserContext(), id); err != nil {
		return notFoundOr(c, err, "cancel watch")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *OperatorHandler) Disconnect(c *fiber.Ctx) error {
	id, err := connectionID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.connections.Disconnect(c.UserContext(), id); err != nil {
		return notFoundOr(c, err, "disconnect")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type companyDomainRequest struct {
	CompanyDomain string `json:"company_domain"`
}

// SetCompanyDomain sets the domain whose senders count as internal mail.
func (h *OperatorHandler) SetCompanyDomain(c *fiber.Ctx) error {
	id, err := connectionID(c)
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	var req companyDomainRequest
	if err := c.BodyParser(&req); err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "company_domain is required")
	}
	if err := h.connections.SetCompanyDomain(c.UserContext(), id, req.CompanyDomain); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return ErrorResponse(c, fiber.StatusBadRequest, err.Error())
		}
		return notFoundOr(c, err, "set company domain")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *OperatorHandler) Usage(c *fiber.Ctx) error {
	if h.usage == nil {
		return ErrorResponse(c, fiber.StatusServiceUnavailable, "usage metering not configured")
	}
	companyID, err := uuid.Parse(c.Params("company"))
	if err != nil {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid company id")
	}
	usage, err := h.usage.Usage(c.UserContext(), companyID)
	if err != nil {
		return InternalErrorResponse(c, err, "read usage")
	}
	return SuccessResponse(c, fiber.Map{
		"company_id": companyID,
		"month":      time.Now().UTC().Format("2006-01"),
		"usage":      usage,
	})
}
