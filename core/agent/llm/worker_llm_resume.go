package llm

import (
	"context"
	"fmt"
	"strings"

	"intake_server/core/domain"
)

const resumeSystemPrompt = `You extract structured data from resume text.

Respond with this exact JSON format:
{
  "first_name": "",
  "last_name": "",
  "email": "",
  "phone": "",
  "skills": ["skill"],
  "education": ["degree, institution, year"],
  "experience": ["title, company, years"],
  "summary": "two sentence professional summary",
  "years_of_experience": 0
}

Use empty strings or empty arrays when a field is not present. Do not invent data.`

// ParseResume turns extracted résumé text into a structured profile.
func (c *Client) ParseResume(ctx context.Context, text, filename string) (*domain.CandidateProfile, error) {
	userPrompt := fmt.Sprintf("Filename: %s\n\nResume:\n%s", filename, truncateBody(text, 12000))

	var profile domain.CandidateProfile
	if err := c.completeJSON(ctx, resumeSystemPrompt, userPrompt, &profile); err != nil {
		return nil, err
	}
	normalizeProfile(&profile)
	return &profile, nil
}

func normalizeProfile(p *domain.CandidateProfile) {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Phone = strings.TrimSpace(p.Phone)
	p.Skills = compact(p.Skills)
	p.Education = compact(p.Education)
	p.Experience = compact(p.Experience)
}

// compact drops blanks and case-insensitive duplicates.
func compact(items []string) []string {
	seen := make(map[string]bool, len(items))
	result := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		key := strings.ToLower(it)
		if it == "" || seen[key] {
			continue
		}
		seen[key] = true
		result = append(result, it)
	}
	return result
}
