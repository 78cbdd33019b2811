package out

import (
	"context"

	"intake_server/core/domain"
)

// AIProvider is the paid classify/parse/score service.
type AIProvider interface {
	// Classify decides whether a message is a job application.
	Classify(ctx context.Context, req ClassifyRequest) (*domain.Classification, error)
	// ParseResume turns extracted résumé text into a structured profile.
	ParseResume(ctx context.Context, text, filename string) (*domain.CandidateProfile, error)
	// Score evaluates a profile against job requirements.
	Score(ctx context.Context, profile *domain.CandidateProfile, job *domain.Job) (*ScoreResult, error)
}

// ClassifyRequest 분류 요청
type ClassifyRequest struct {
	Subject   string
	Body      string
	FromEmail string
	FromName  string
}

// ScoreResult 점수 결과
type ScoreResult struct {
	OverallScore    int    `json:"overall_score"`
	SkillsScore     int    `json:"skills_score"`
	ExperienceScore int    `json:"experience_score"`
	EducationScore  int    `json:"education_score"`
	Recommendation  string `json:"recommendation"`
	Explanation     string `json:"explanation"`
}
