// Package scoring evaluates candidates against jobs and decides where that
// evaluation runs.
package scoring

import (
	"context"
	"fmt"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

// Scorer loads a (candidate, job) pair, calls the AI scorer and upserts the
// result.
type Scorer struct {
	candidateRepo out.CandidateRepository
	jobRepo       out.JobRepository
	scoreRepo     out.ScoreRepository
	ai            out.AIProvider
	meter         out.UsageMeter
}

func NewScorer(
	candidateRepo out.CandidateRepository,
	jobRepo out.JobRepository,
	scoreRepo out.ScoreRepository,
	ai out.AIProvider,
	meter out.UsageMeter,
) *Scorer {
	return &Scorer{
		candidateRepo: candidateRepo,
		jobRepo:       jobRepo,
		scoreRepo:     scoreRepo,
		ai:            ai,
		meter:         meter,
	}
}

// Score runs one scoring task. The headline score on the candidate only
// changes when jobID is the candidate's assigned job.
func (s *Scorer) Score(ctx context.Context, candidateID, jobID int64) (*domain.CandidateScore, error) {
	candidate, err := s.candidateRepo.GetByID(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate %d: %w", candidateID, err)
	}
	job, err := s.jobRepo.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %d: %w", jobID, err)
	}

	result, err := s.ai.Score(ctx, profileOf(candidate), job)
	metrics.RecordAICall("score", err)
	if err != nil {
		return nil, fmt.Errorf("score candidate %d for job %d: %w", candidateID, jobID, err)
	}
	if s.meter != nil {
		if err := s.meter.Track(ctx, candidate.CompanyID, domain.UsageAIScore, 1); err != nil {
			logger.WithError(err).Warn("[Scorer.Score] usage tracking failed")
		}
	}

	score := &domain.CandidateScore{
		CandidateID:     candidateID,
		JobID:           jobID,
		OverallScore:    clampScore(result.OverallScore),
		SkillsScore:     clampScore(result.SkillsScore),
		ExperienceScore: clampScore(result.ExperienceScore),
		EducationScore:  clampScore(result.EducationScore),
		Recommendation:  result.Recommendation,
		Explanation:     result.Explanation,
		ScoredAt:        time.Now(),
	}
	if err := s.scoreRepo.Upsert(ctx, score); err != nil {
		return nil, fmt.Errorf("failed to save score: %w", err)
	}

	if candidate.JobID != nil && *candidate.JobID == jobID {
		if err := s.candidateRepo.UpdateHeadlineScore(ctx, candidateID, score.OverallScore); err != nil {
			return nil, fmt.Errorf("failed to update headline score: %w", err)
		}
	}

	logger.Info("[Scorer.Score] candidate %d job %d scored %d", candidateID, jobID, score.OverallScore)
	return score, nil
}

func profileOf(c *domain.Candidate) *domain.CandidateProfile {
	p := &domain.CandidateProfile{
		FirstName:  c.FirstName,
		LastName:   c.LastName,
		Email:      c.Email,
		Skills:     c.Skills,
		Education:  c.Education,
		Experience: c.Experience,
	}
	if c.Summary != nil {
		p.Summary = *c.Summary
	}
	if c.Phone != nil {
		p.Phone = *c.Phone
	}
	return p
}

func clampScore(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
