package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/apperr"
	"intake_server/pkg/logger"
)

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorHandler renders whatever a handler returned. Pipeline errors are
// classified first so a raw domain.ErrNotFound still answers 404.
func ErrorHandler() fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals(LocalRequestID).(string)
		e := Classify(err)

		log := logger.WithField("request_id", requestID).
			WithField("error_code", e.Code).
			WithField("path", c.Path())
		if e.Err != nil {
			log = log.WithError(e.Err)
		}
		switch {
		case e.Code == apperr.CodeInternalError && e.Err != nil:
			log.WithField("stack", string(debug.Stack())).Error("Unexpected error: %v", err)
		case e.Status >= 500:
			log.Error("Request failed: %s", e.Message)
		default:
			log.Debug("Client error: %s", e.Message)
		}

		return c.Status(e.Status).JSON(errorBody(requestID, e))
	}
}

// Classify maps an error from any layer onto an AppError.
func Classify(err error) *apperr.AppError {
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return apperr.FromStatus(fiberErr.Code, fiberErr.Message)
	}

	var pe *out.ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case out.ProviderErrAuth, out.ProviderErrTokenExpired:
			return apperr.AuthFailed(0, err)
		case out.ProviderErrRateLimit:
			return apperr.RateLimited(pe.Provider, err)
		case out.ProviderErrNotFound:
			return apperr.Wrap(err, apperr.CodeNotFound, pe.Message, fiber.StatusNotFound)
		}
		return apperr.ExternalError(pe.Provider, err)
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return apperr.Wrap(err, apperr.CodeNotFound, err.Error(), fiber.StatusNotFound)
	case errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrCandidateExists):
		return apperr.Wrap(err, apperr.CodeConflict, err.Error(), fiber.StatusConflict)
	case errors.Is(err, domain.ErrAuth), errors.Is(err, domain.ErrNoRefreshToken):
		return apperr.AuthFailed(0, err)
	case errors.Is(err, domain.ErrConnectionInactive):
		return apperr.Wrap(err, apperr.CodeConflict, err.Error(), fiber.StatusConflict)
	case errors.Is(err, domain.ErrInvalidInput):
		return apperr.Wrap(err, apperr.CodeInvalidInput, err.Error(), fiber.StatusBadRequest)
	case errors.Is(err, domain.ErrLowExtractionConfidence):
		return apperr.Wrap(err, apperr.CodeExtractionFailed, err.Error(), fiber.StatusUnprocessableEntity)
	}
	return apperr.Internal(err)
}

func errorBody(requestID string, e *apperr.AppError) ErrorResponse {
	message := e.Message
	if e.Status >= 500 && e.Code == apperr.CodeInternalError {
		message = "An unexpected error occurred"
	}
	return ErrorResponse{
		Success:   false,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error: ErrorDetail{
			Code:    e.Code,
			Message: message,
			Details: e.Details,
		},
	}
}

// Recover turns a handler panic into a 500 with the standard body.
func Recover() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			requestID, _ := c.Locals(LocalRequestID).(string)
			logger.WithFields(map[string]any{
				"request_id": requestID,
				"panic":      fmt.Sprintf("%v", r),
				"path":       c.Path(),
				"method":     c.Method(),
				"stack":      string(debug.Stack()),
			}).Error("Panic recovered")

			err = c.Status(fiber.StatusInternalServerError).
				JSON(errorBody(requestID, apperr.Internal(nil)))
		}()
		return c.Next()
	}
}
