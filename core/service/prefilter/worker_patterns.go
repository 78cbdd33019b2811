package prefilter

import (
	"path/filepath"
	"regexp"
	"strings"

	"intake_server/core/domain"
)

// =============================================================================
// Skip patterns
// =============================================================================

var (
	// 자동응답 / 반송
	autoReplySubjectPattern = regexp.MustCompile(`(?i)^\s*(?:re:\s*)?(?:auto(?:matic)?[\s-]*reply|auto(?:matic)?[\s-]*response|out of (?:the )?office|away from (?:the )?office|delivery status notification|undeliverable|undelivered mail|mail delivery (?:failed|failure|subsystem)|returned mail|failure notice|vacation reply)`)

	noReplySenderPattern = regexp.MustCompile(`(?i)^(?:no[-_.]?reply|do[-_.]?not[-_.]?reply|mailer[-_.]daemon|postmaster|bounces?|notifications?)(?:[+.-][^@]*)?@`)

	newsletterIndicators = []string{
		"unsubscribe",
		"manage your preferences",
		"update your preferences",
		"email preferences",
		"view in browser",
		"view this email in your browser",
		"you are receiving this email",
		"you received this email because",
		"opt out",
		"to stop receiving",
	}

	jobKeywordPattern = regexp.MustCompile(`(?i)résumé|\b(?:appl(?:y|ying|ied|ication|icant)|resume|cv|curriculum vitae|cover letter|position|job|role|vacancy|vacancies|opening|hiring|candidate|candidacy|posting|interview|career|recruit(?:er|ing|ment)?|opportunity)\b`)
)

// =============================================================================
// Application patterns
// =============================================================================

var (
	applicationSubjectPattern = regexp.MustCompile(`(?i)\b(?:job application|application (?:for|to)|applying (?:for|to)|apply(?:ing)? for|candidacy|cover letter|resume\b|cv\b|résumé)`)

	applicationBodyPattern = regexp.MustCompile(`(?i)(?:\bi(?:'m| am)? (?:writing to |would like to )?apply(?:ing)?\b|\bplease find (?:attached |enclosed )?my (?:resume\b|cv\b|résumé)|\b(?:attached|enclosed) (?:is |are )?my (?:resume\b|cv\b|résumé)|\binterested in the .{1,80}? (?:position|role|opening)\b|\bmy application for\b)`)

	resumeFilenamePattern = regexp.MustCompile(`(?i)(?:resume|résumé|curriculum|lebenslauf|(?:^|[^a-z])cv(?:[^a-z]|$))`)
)

// =============================================================================
// Résumé attachments
// =============================================================================

var resumeMimeTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/rtf": true,
	"text/rtf":        true,
	"application/vnd.oasis.opendocument.text": true,
}

var resumeExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".rtf": true, ".odt": true,
}

// IsResumeAttachment reports whether an attachment could be a résumé.
// text/plain counts only with a résumé-like filename; octet-stream is
// resolved by extension.
func IsResumeAttachment(a domain.AttachmentMeta) bool {
	mime := strings.ToLower(strings.TrimSpace(a.MimeType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	switch {
	case resumeMimeTypes[mime]:
		return true
	case mime == "text/plain":
		return LooksLikeResumeFilename(a.Filename)
	case mime == "application/octet-stream" || mime == "":
		return resumeExtensions[strings.ToLower(filepath.Ext(a.Filename))]
	}
	return false
}

// FirstResumeAttachment returns the first résumé-typed attachment, or nil.
func FirstResumeAttachment(atts []domain.AttachmentMeta) *domain.AttachmentMeta {
	for i := range atts {
		if IsResumeAttachment(atts[i]) {
			return &atts[i]
		}
	}
	return nil
}

// LooksLikeResumeFilename 파일명이 이력서처럼 보이는지
func LooksLikeResumeFilename(name string) bool {
	if name == "" {
		return false
	}
	return resumeFilenamePattern.MatchString(name)
}

func countNewsletterIndicators(body string) int {
	lower := strings.ToLower(body)
	n := 0
	for _, ind := range newsletterIndicators {
		if strings.Contains(lower, ind) {
			n++
		}
	}
	return n
}
