package worker

import (
	"time"

	"github.com/google/uuid"
)

// Priority levels for job scheduling.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

// JobType represents the type of a job.
type JobType = string

const (
	// Intake jobs
	JobSyncConnection JobType = "intake.sync"
	JobPushSync               = "intake.push" // Pub/Sub 알림 기반 동기화

	// Scoring jobs
	JobScoreCandidate = "scoring.score"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Priority  Priority       `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		Priority:  PriorityNormal,
		CreatedAt: time.Now(),
	}
}

// NewPriorityMessage creates a message with specific priority.
func NewPriorityMessage(jobType string, payload map[string]any, priority Priority) *Message {
	msg := NewMessage(jobType, payload)
	msg.Priority = priority
	return msg
}

// IsPriority checks if message should go to priority queue.
func (m *Message) IsPriority() bool {
	return m.Priority >= PriorityHigh
}

// SyncPayload asks for one connection sync (manual trigger or post-connect).
type SyncPayload struct {
	ConnectionID int64 `json:"connection_id"`
}

// PushPayload is a decoded push notification.
type PushPayload struct {
	EmailAddress string `json:"email_address"`
	HistoryID    uint64 `json:"history_id"`
}

type ScorePayload struct {
	CandidateID int64 `json:"candidate_id"`
	JobID       int64 `json:"job_id"`
}

func NewSyncMessage(connectionID int64) *Message {
	return NewMessage(JobSyncConnection, map[string]any{"connection_id": connectionID})
}

func NewPushMessage(emailAddress string, historyID uint64) *Message {
	return NewPriorityMessage(JobPushSync, map[string]any{
		"email_address": emailAddress,
		"history_id":    historyID,
	}, PriorityHigh)
}

func NewScoreMessage(candidateID, jobID int64) *Message {
	return NewMessage(JobScoreCandidate, map[string]any{
		"candidate_id": candidateID,
		"job_id":       jobID,
	})
}
