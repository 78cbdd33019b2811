package domain

import "time"

// InboundStatus is the processing state of an inbound message record.
//
//	PENDING -> PROCESSING -> {IMPORTED | SKIPPED | FAILED}
//
// PENDING may also go straight to SKIPPED (not an application, low
// confidence, or a duplicate candidate).
type InboundStatus string

const (
	InboundPending    InboundStatus = "PENDING"
	InboundProcessing InboundStatus = "PROCESSING"
	InboundImported   InboundStatus = "IMPORTED"
	InboundSkipped    InboundStatus = "SKIPPED"
	InboundFailed     InboundStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s InboundStatus) IsTerminal() bool {
	return s == InboundImported || s == InboundSkipped || s == InboundFailed
}

// CanTransition reports whether from -> to is a legal move.
func (s InboundStatus) CanTransition(to InboundStatus) bool {
	switch s {
	case InboundPending:
		return to == InboundProcessing || to == InboundSkipped
	case InboundProcessing:
		return to == InboundImported || to == InboundSkipped || to == InboundFailed
	default:
		return false
	}
}

// Skip / failure reasons recorded on the record.
const (
	ReasonNotApplication = "not a job application"
	ReasonLowConfidence  = "low confidence"
	ReasonAutoImportOff  = "auto-import disabled"
	ReasonDuplicate      = "duplicate candidate"
	ReasonNoText         = "could not extract text"
)

// InboundMessageRecord is the audit/classification row for one provider
// message id. BodyText/BodyHTML stay nil for prefilter skips.
type InboundMessageRecord struct {
	ID                int64         `db:"id"`
	ConnectionID      int64         `db:"connection_id"`
	ProviderMessageID string        `db:"provider_message_id"`
	Subject           string        `db:"subject"`
	FromEmail         string        `db:"from_email"`
	FromName          string        `db:"from_name"`
	ReceivedAt        time.Time     `db:"received_at"`
	IsJobApplication  bool          `db:"is_job_application"`
	Confidence        int           `db:"confidence"`
	DetectedPosition  *string       `db:"detected_position"`
	Status            InboundStatus `db:"status"`
	Reason            *string       `db:"reason"`
	BodyText          *string       `db:"body_text"`
	BodyHTML          *string       `db:"body_html"`
	ProcessedAt       *time.Time    `db:"processed_at"`
	CreatedAt         time.Time     `db:"created_at"`
}

// ProcessResult is returned by the message processor.
type ProcessResult struct {
	Imported    bool
	Duplicate   bool // message id already recorded
	Status      InboundStatus
	CandidateID int64
	// ScoringErr is set when the candidate was imported but scoring could
	// not run or be queued. The import stands.
	ScoringErr error
}
