package domain

import "time"

// PrefilterAction is the cheap local decision made before any AI call.
type PrefilterAction string

const (
	ActionSkip         PrefilterAction = "skip"
	ActionAutoClassify PrefilterAction = "auto_classify"
	ActionNeedsAI      PrefilterAction = "needs_ai"
)

// AttachmentMeta describes an attachment without its bytes.
type AttachmentMeta struct {
	Filename     string
	MimeType     string
	Size         int64
	AttachmentID string // provider handle
}

// EmailFacts is everything the prefilter and classifier look at.
type EmailFacts struct {
	MessageID     string
	Subject       string
	FromEmail     string
	FromName      string
	BodyText      string
	BodyHTML      string
	ReceivedAt    time.Time
	Attachments   []AttachmentMeta
	Headers       map[string]string // canonical header name -> value
	CompanyDomain string
}

// Header returns a header value, case-sensitive on the canonical name.
func (f *EmailFacts) Header(name string) string {
	if f.Headers == nil {
		return ""
	}
	return f.Headers[name]
}

// PrefilterDecision is the prefilter output.
type PrefilterDecision struct {
	Action           PrefilterAction
	Reason           string
	Confidence       int     // set for auto_classify
	DetectedPosition *string // best-effort
}

// Classification is the verdict used for the import decision, whether it
// came from the prefilter or the AI classifier.
type Classification struct {
	IsJobApplication bool
	Confidence       int
	DetectedPosition *string
	Reasoning        string
	Source           string // prefilter | ai
}
