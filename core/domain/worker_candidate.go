package domain

import (
	"time"

	"github.com/google/uuid"
)

// Candidate is created by the pipeline from an imported message. After
// creation it belongs to the rest of the system.
type Candidate struct {
	ID              int64     `db:"id"`
	CompanyID       uuid.UUID `db:"company_id"`
	JobID           *int64    `db:"job_id"`
	FirstName       string    `db:"first_name"`
	LastName        string    `db:"last_name"`
	Email           string    `db:"email"`
	Phone           *string   `db:"phone"`
	ResumeKey       *string   `db:"resume_key"`
	ResumeFilename  *string   `db:"resume_filename"`
	Skills          []string  `db:"-"`
	Education       []string  `db:"-"`
	Experience      []string  `db:"-"`
	Summary         *string   `db:"summary"`
	SourceMessageID *string   `db:"source_message_id"`
	Score           *int      `db:"score"`
	CreatedAt       time.Time `db:"created_at"`
}

// CandidateProfile is the structured résumé parse result.
type CandidateProfile struct {
	FirstName  string   `json:"first_name"`
	LastName   string   `json:"last_name"`
	Email      string   `json:"email"`
	Phone      string   `json:"phone,omitempty"`
	Skills     []string `json:"skills"`
	Education  []string `json:"education"`
	Experience []string `json:"experience"`
	Summary    string   `json:"summary,omitempty"`
	YearsOfExp int      `json:"years_of_experience,omitempty"`
}

// Job is an open requisition, read-only for the pipeline.
type Job struct {
	ID           int64     `db:"id"`
	CompanyID    uuid.UUID `db:"company_id"`
	Title        string    `db:"title"`
	Requirements string    `db:"requirements"`
	IsActive     bool      `db:"is_active"`
}

// CandidateScore is one (candidate, job) evaluation; upserted on rescoring.
type CandidateScore struct {
	ID              int64     `db:"id"`
	CandidateID     int64     `db:"candidate_id"`
	JobID           int64     `db:"job_id"`
	OverallScore    int       `db:"overall_score"`
	SkillsScore     int       `db:"skills_score"`
	ExperienceScore int       `db:"experience_score"`
	EducationScore  int       `db:"education_score"`
	Recommendation  string    `db:"recommendation"`
	Explanation     string    `db:"explanation"`
	ScoredAt        time.Time `db:"scored_at"`
}

// ScoringTask is the ephemeral unit handed to the dispatcher.
type ScoringTask struct {
	CandidateID int64 `json:"candidate_id"`
	JobID       int64 `json:"job_id"`
}

// Usage types for metering.
const (
	UsageAIClassify    = "ai_classify"
	UsageAIParse       = "ai_parse"
	UsageAIScore       = "ai_score"
	UsageEmailImported = "email_imported"
)

// Notification types.
const (
	EventCandidatesImported = "candidates_imported"
)
