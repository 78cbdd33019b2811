package http

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"intake_server/core/domain"
	"intake_server/core/port/in"
)

// ScoreEnqueuer queues a scoring task on the in-process worker pool.
type ScoreEnqueuer interface {
	EnqueueScore(candidateID, jobID int64) bool
}

// ScoringHandler lets operators re-run scoring for one candidate, e.g. after
// a job's requirements changed.
type ScoringHandler struct {
	dispatcher in.ScoringDispatcher
	enqueuer   ScoreEnqueuer
}

// NewScoringHandler prefers the pool when enqueuer is set and falls back to
// the configured dispatcher.
func NewScoringHandler(dispatcher in.ScoringDispatcher, enqueuer ScoreEnqueuer) *ScoringHandler {
	return &ScoringHandler{dispatcher: dispatcher, enqueuer: enqueuer}
}

func (h *ScoringHandler) Register(router fiber.Router) {
	router.Post("/candidates/:id/score", h.Rescore)
}

type rescoreRequest struct {
	JobID int64 `json:"job_id"`
}

func (h *ScoringHandler) Rescore(c *fiber.Ctx) error {
	candidateID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || candidateID <= 0 {
		return ErrorResponse(c, fiber.StatusBadRequest, "invalid candidate id")
	}
	var req rescoreRequest
	if err := c.BodyParser(&req); err != nil || req.JobID <= 0 {
		return ErrorResponse(c, fiber.StatusBadRequest, "job_id is required")
	}

	if h.enqueuer != nil {
		if !h.enqueuer.EnqueueScore(candidateID, req.JobID) {
			return ErrorResponse(c, fiber.StatusServiceUnavailable, "worker pool is full")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"candidate_id": candidateID, "job_id": req.JobID, "queued": true})
	}

	if err := h.dispatcher.Dispatch(c.UserContext(), candidateID, req.JobID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ErrorResponse(c, fiber.StatusNotFound, "candidate or job not found")
		}
		return InternalErrorResponse(c, err, "dispatch scoring")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"candidate_id": candidateID, "job_id": req.JobID, "queued": false})
}
