package llm

import (
	"context"
	"fmt"
	"strings"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

const scoreSystemPrompt = `You evaluate a candidate against a job's requirements.

Score each dimension 0-100. recommendation is one of: strong_yes, yes, maybe, no.

Respond with this exact JSON format:
{
  "overall_score": 0,
  "skills_score": 0,
  "experience_score": 0,
  "education_score": 0,
  "recommendation": "maybe",
  "explanation": "short justification"
}`

var recommendations = map[string]bool{"strong_yes": true, "yes": true, "maybe": true, "no": true}

// Score evaluates a profile against job requirements.
func (c *Client) Score(ctx context.Context, profile *domain.CandidateProfile, job *domain.Job) (*out.ScoreResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Job title: %s\nRequirements:\n%s\n\n", job.Title, truncateBody(job.Requirements, 4000))
	fmt.Fprintf(&b, "Candidate: %s %s\n", profile.FirstName, profile.LastName)
	fmt.Fprintf(&b, "Skills: %s\n", strings.Join(profile.Skills, ", "))
	fmt.Fprintf(&b, "Experience:\n- %s\n", strings.Join(profile.Experience, "\n- "))
	fmt.Fprintf(&b, "Education:\n- %s\n", strings.Join(profile.Education, "\n- "))
	if profile.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", profile.Summary)
	}

	var res out.ScoreResult
	if err := c.completeJSON(ctx, scoreSystemPrompt, b.String(), &res); err != nil {
		return nil, err
	}
	normalizeScore(&res)
	return &res, nil
}

func normalizeScore(r *out.ScoreResult) {
	r.OverallScore = clamp(r.OverallScore, 0, 100)
	r.SkillsScore = clamp(r.SkillsScore, 0, 100)
	r.ExperienceScore = clamp(r.ExperienceScore, 0, 100)
	r.EducationScore = clamp(r.EducationScore, 0, 100)
	r.Recommendation = strings.ToLower(strings.TrimSpace(r.Recommendation))
	if !recommendations[r.Recommendation] {
		r.Recommendation = "maybe"
	}
}
