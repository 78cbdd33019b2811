package llm

import (
	"context"
	"fmt"
	"strings"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

const classifySystemPrompt = `You screen inbound email for a recruiting team. Decide whether the email is a job application from a candidate.

Job applications include: applying for a role, sending a CV or resume, following up on an application, expressing interest in an advertised position.
Not applications: recruiter or agency outreach, newsletters, job board alerts, vendor sales, internal mail, notifications.

Respond with this exact JSON format:
{
  "is_job_application": true|false,
  "confidence": 0-100,
  "detected_position": "job title the sender applies for, or null",
  "reasoning": "one short sentence"
}`

type classifyResponse struct {
	IsJobApplication bool    `json:"is_job_application"`
	Confidence       int     `json:"confidence"`
	DetectedPosition *string `json:"detected_position"`
	Reasoning        string  `json:"reasoning"`
}

// Classify decides whether the message is a job application.
func (c *Client) Classify(ctx context.Context, req out.ClassifyRequest) (*domain.Classification, error) {
	from := req.FromEmail
	if req.FromName != "" {
		from = fmt.Sprintf("%s <%s>", req.FromName, req.FromEmail)
	}
	userPrompt := fmt.Sprintf("From: %s\nSubject: %s\n\nBody:\n%s", from, req.Subject, truncateBody(req.Body, 3000))

	var resp classifyResponse
	if err := c.completeJSON(ctx, classifySystemPrompt, userPrompt, &resp); err != nil {
		return nil, err
	}
	return resp.toDomain(), nil
}

func (r *classifyResponse) toDomain() *domain.Classification {
	cls := &domain.Classification{
		IsJobApplication: r.IsJobApplication,
		Confidence:       clamp(r.Confidence, 0, 100),
		Reasoning:        r.Reasoning,
		Source:           "ai",
	}
	if r.DetectedPosition != nil {
		if p := strings.TrimSpace(*r.DetectedPosition); p != "" && !strings.EqualFold(p, "null") {
			cls.DetectedPosition = &p
		}
	}
	return cls
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
