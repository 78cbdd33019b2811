// Package apperr carries the error codes the HTTP surface reports.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeTooLarge         = "PAYLOAD_TOO_LARGE"
	CodeExternalError    = "EXTERNAL_ERROR"
	CodeExtractionFailed = "EXTRACTION_FAILED"
	CodeDatabaseError    = "DATABASE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeUnavailable      = "UNAVAILABLE"
	CodeUnknown          = "UNKNOWN_ERROR"
)

// AppError is an error with a stable code and the HTTP status it maps to.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// FromStatus builds an AppError whose code is derived from status.
func FromStatus(status int, message string) *AppError {
	return New(CodeForStatus(status), message, status)
}

// CodeForStatus is the code reported for a bare HTTP status.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalidInput
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	case http.StatusRequestEntityTooLarge:
		return CodeTooLarge
	case http.StatusTooManyRequests:
		return CodeRateLimited
	case http.StatusInternalServerError:
		return CodeInternalError
	case http.StatusBadGateway:
		return CodeExternalError
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeUnavailable
	}
	return CodeUnknown
}

// AuthFailed marks a connection whose credential can no longer be refreshed.
// The caller must not retry until the mailbox is re-authorized.
func AuthFailed(connectionID int64, err error) *AppError {
	e := Wrap(err, CodeAuthFailed, "mailbox connection requires re-authorization", http.StatusUnauthorized)
	if connectionID > 0 {
		e.WithDetail("connection_id", connectionID)
	}
	return e
}

func NotFound(resource string) *AppError {
	return New(CodeNotFound, resource+" not found", http.StatusNotFound)
}

func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// RateLimited reports an upstream quota hit. Callers may retry later.
func RateLimited(service string, err error) *AppError {
	return Wrap(err, CodeRateLimited, service+" rate limit exceeded", http.StatusTooManyRequests).
		WithDetail("service", service)
}

func ExternalError(service string, err error) *AppError {
	return Wrap(err, CodeExternalError, "external service error: "+service, http.StatusBadGateway).
		WithDetail("service", service)
}

func ExtractionFailed(filename string, err error) *AppError {
	return Wrap(err, CodeExtractionFailed, "could not extract text from "+filename, http.StatusUnprocessableEntity)
}

func DatabaseError(operation string, err error) *AppError {
	return Wrap(err, CodeDatabaseError, "database error: "+operation, http.StatusInternalServerError)
}

func Unavailable(component string) *AppError {
	return New(CodeUnavailable, component+" not available", http.StatusServiceUnavailable)
}

func Internal(err error) *AppError {
	return Wrap(err, CodeInternalError, "internal server error", http.StatusInternalServerError)
}

// Is reports whether err carries an AppError with the given code.
func Is(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}
