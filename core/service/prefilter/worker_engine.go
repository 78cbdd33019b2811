// Package prefilter decides, without I/O, whether an inbound message needs
// the paid classifier at all.
package prefilter

import (
	"strings"

	"intake_server/core/domain"
)

// Confidence tiers for auto-classification. Highest matching rule wins.
const (
	ConfidenceSubjectMatch  = 90
	ConfidenceBodyMatch     = 85
	ConfidenceFilenameMatch = 80
)

const newsletterSkipThreshold = 2

// Skip reasons.
const (
	ReasonAutoReply    = "auto-reply or bounce subject"
	ReasonNoReply      = "system or no-reply sender"
	ReasonInternal     = "internal sender"
	ReasonNewsletter   = "newsletter content"
	ReasonMailingList  = "mailing list (List-Unsubscribe)"
	ReasonNoJobSignals = "no résumé attachment and no job keywords"
	ReasonAmbiguous    = "ambiguous, needs classifier"
)

// Engine is the rule-based prefilter. Safe for concurrent use.
type Engine struct {
	autoClassify bool
}

// NewEngine creates a prefilter. autoClassify=false turns every non-skip
// into needs_ai.
func NewEngine(autoClassify bool) *Engine {
	return &Engine{autoClassify: autoClassify}
}

// Decide returns skip / auto_classify / needs_ai. First match wins.
func (e *Engine) Decide(f domain.EmailFacts) domain.PrefilterDecision {
	body := f.BodyText
	if body == "" {
		body = f.BodyHTML
	}
	resume := FirstResumeAttachment(f.Attachments)

	// 1. skip
	if reason, skip := e.skipReason(f, body, resume != nil); skip {
		return domain.PrefilterDecision{Action: domain.ActionSkip, Reason: reason}
	}

	// 2. auto-classify: attachment AND a positive signal
	if e.autoClassify && resume != nil {
		confidence, reason := 0, ""
		switch {
		case applicationSubjectPattern.MatchString(f.Subject):
			confidence, reason = ConfidenceSubjectMatch, "résumé attached, application subject"
		case applicationBodyPattern.MatchString(body):
			confidence, reason = ConfidenceBodyMatch, "résumé attached, application phrasing in body"
		case LooksLikeResumeFilename(resume.Filename):
			confidence, reason = ConfidenceFilenameMatch, "résumé-named attachment"
		}
		if confidence > 0 {
			return domain.PrefilterDecision{
				Action:           domain.ActionAutoClassify,
				Reason:           reason,
				Confidence:       confidence,
				DetectedPosition: detectPosition(f.Subject, body),
			}
		}
	}

	// 3. 나머지는 AI
	return domain.PrefilterDecision{
		Action:           domain.ActionNeedsAI,
		Reason:           ReasonAmbiguous,
		DetectedPosition: detectPosition(f.Subject, body),
	}
}

func (e *Engine) skipReason(f domain.EmailFacts, body string, hasResume bool) (string, bool) {
	if autoReplySubjectPattern.MatchString(f.Subject) {
		return ReasonAutoReply, true
	}

	from := strings.ToLower(strings.TrimSpace(f.FromEmail))
	if noReplySenderPattern.MatchString(from) {
		return ReasonNoReply, true
	}

	// internal mail dominates attachment presence
	company := strings.ToLower(f.CompanyDomain)
	if company != "" && !domain.IsPublicMailDomain(company) && domain.EmailDomain(from) == company {
		return ReasonInternal, true
	}

	if countNewsletterIndicators(body) >= newsletterSkipThreshold {
		return ReasonNewsletter, true
	}

	if f.Header("List-Unsubscribe") != "" {
		return ReasonMailingList, true
	}

	if !hasResume && !jobKeywordPattern.MatchString(f.Subject) && !jobKeywordPattern.MatchString(body) {
		return ReasonNoJobSignals, true
	}

	return "", false
}

// subject first, then body
func detectPosition(subject, body string) *string {
	if p := ExtractPosition(subject); p != nil {
		return p
	}
	return ExtractPosition(body)
}
