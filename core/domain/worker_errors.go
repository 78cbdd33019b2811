package domain

import "errors"

var (
	// ErrAuth is returned when a connection's credential cannot be refreshed.
	ErrAuth                    = errors.New("mailbox authorization failed")
	ErrNoRefreshToken          = errors.New("connection has no refresh token")
	ErrConnectionInactive      = errors.New("connection is inactive")
	ErrLowExtractionConfidence = errors.New("extracted text below confidence floor")
	ErrCandidateExists         = errors.New("candidate already exists for company and email")
	// ErrDuplicate is a unique-constraint hit on insert.
	ErrDuplicate = errors.New("record already exists")
	ErrNotFound  = errors.New("not found")
	// ErrInvalidInput is a caller-supplied value the service rejects.
	ErrInvalidInput = errors.New("invalid input")
)
