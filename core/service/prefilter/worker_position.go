package prefilter

import (
	"regexp"
	"strings"
)

const (
	minPositionLen = 4
	maxPositionLen = 100
)

// Tried in order; the first plausible capture wins.
var positionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\binterested in the\s+(.{2,100}?)\s+(?:position|role|opening|vacancy)\b`),
	regexp.MustCompile(`(?i)\b(?:position|role) of\s+(?:an?\s+|the\s+)?([^\n.,;:!?()|]{2,})`),
	regexp.MustCompile(`(?i)\b(?:application|applying|apply)\s+(?:for|to)\s+(?:the\s+|an?\s+)?(?:position\s+of\s+|role\s+of\s+)?([^\n.,;:!?()|]{2,})`),
	regexp.MustCompile(`(?i)\b(?:opening|vacancy|position|role)\s*[:\-]\s*([^\n.,;!?()|]{2,})`),
}

// trailing words that belong to the sentence, not the title
var positionTrailer = regexp.MustCompile(`(?i)\s+(?:position|role|opening|vacancy|job|at\s+.*|with\s+.*|in\s+your\s+.*|posted\s+.*|[-–]\s+.*)$`)

// ExtractPosition best-effort pulls a job title out of free text.
// Returns nil when nothing plausible is found.
func ExtractPosition(text string) *string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for _, re := range positionPatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		pos := cleanPosition(m[1])
		if len(pos) >= minPositionLen && len(pos) <= maxPositionLen {
			return &pos
		}
	}
	return nil
}

func cleanPosition(s string) string {
	s = strings.TrimSpace(s)
	for i := 0; i < 3; i++ {
		trimmed := positionTrailer.ReplaceAllString(s, "")
		if trimmed == s {
			break
		}
		s = trimmed
	}
	s = strings.Trim(s, ` "'-–`)
	return strings.Join(strings.Fields(s), " ")
}
