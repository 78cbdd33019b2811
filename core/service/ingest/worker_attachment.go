package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/core/service/prefilter"
	"intake_server/pkg/apperr"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

// importCandidate creates the candidate from the first résumé attachment,
// or from the sender alone when there is none. Returns
// domain.ErrCandidateExists for a (company, email) collision.
func (p *Processor) importCandidate(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage, facts domain.EmailFacts, cls domain.Classification) (int64, error) {
	if att := prefilter.FirstResumeAttachment(facts.Attachments); att != nil {
		return p.importFromAttachment(ctx, conn, msg, *att, cls)
	}
	return p.importFromMessage(ctx, conn, msg, cls)
}

// importFromAttachment downloads, stores, extracts and parses the résumé.
func (p *Processor) importFromAttachment(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage, att domain.AttachmentMeta, cls domain.Classification) (int64, error) {
	data, err := p.attachmentData(ctx, conn, msg, att)
	if err != nil {
		return 0, err
	}

	key, err := p.Storage.Upload(ctx, data, att.Filename, att.MimeType, conn.CompanyID)
	if err != nil {
		return 0, fmt.Errorf("store attachment %s: %w", att.Filename, err)
	}

	extracted, err := p.Extractor.Extract(ctx, data, att.Filename, att.MimeType)
	if err != nil {
		return 0, apperr.ExtractionFailed(att.Filename, err)
	}
	if extracted.Confidence < p.cfg.MinExtractionConfidence || strings.TrimSpace(extracted.Text) == "" {
		return 0, fmt.Errorf("%s: %w", domain.ReasonNoText, domain.ErrLowExtractionConfidence)
	}

	profile, err := p.AI.ParseResume(ctx, extracted.Text, att.Filename)
	metrics.RecordAICall("parse", err)
	if err != nil {
		logger.WithError(err).Warn("[Processor.importFromAttachment] %s: parse failed, using filename", msg.ID)
		profile = profileFromFilename(att.Filename, msg)
	} else {
		p.track(ctx, conn, domain.UsageAIParse)
	}

	email := resolveEmail(profile.Email, msg.FromEmail)
	if email == "" {
		return 0, fmt.Errorf("no usable email for message %s", msg.ID)
	}

	filename := att.Filename
	c := &domain.Candidate{
		CompanyID:       conn.CompanyID,
		FirstName:       profile.FirstName,
		LastName:        profile.LastName,
		Email:           email,
		Phone:           nonEmpty(profile.Phone),
		ResumeKey:       &key,
		ResumeFilename:  &filename,
		Skills:          profile.Skills,
		Education:       profile.Education,
		Experience:      profile.Experience,
		Summary:         nonEmpty(profile.Summary),
		SourceMessageID: &msg.ID,
	}
	return p.createCandidate(ctx, c, cls)
}

// attachmentData returns bytes delivered with the message, or downloads them.
func (p *Processor) attachmentData(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage, att domain.AttachmentMeta) ([]byte, error) {
	if att.AttachmentID == "" {
		for _, a := range msg.Attachments {
			if a.ID == "" && a.Filename == att.Filename && len(a.Data) > 0 {
				return a.Data, nil
			}
		}
		return nil, fmt.Errorf("download attachment %s: no attachment id and no inline data", att.Filename)
	}

	token, err := p.Tokens.GetValidAccessToken(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	data, err := p.Reader.GetAttachment(ctx, token, msg.ID, att.AttachmentID)
	if err != nil {
		return nil, fmt.Errorf("download attachment %s: %w", att.Filename, err)
	}
	return data, nil
}

// importFromMessage builds a minimal candidate from the sender and subject.
func (p *Processor) importFromMessage(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage, cls domain.Classification) (int64, error) {
	email := resolveEmail("", msg.FromEmail)
	if email == "" {
		return 0, fmt.Errorf("no usable email for message %s", msg.ID)
	}
	first, last := splitName(msg.FromName)
	if first == "" {
		first = localPart(email)
	}

	c := &domain.Candidate{
		CompanyID:       conn.CompanyID,
		FirstName:       first,
		LastName:        last,
		Email:           email,
		Summary:         nonEmpty(msg.Subject),
		SourceMessageID: &msg.ID,
	}
	return p.createCandidate(ctx, c, cls)
}

// createCandidate dedups, resolves the job and dispatches scoring.
func (p *Processor) createCandidate(ctx context.Context, c *domain.Candidate, cls domain.Classification) (int64, error) {
	exists, err := p.Candidates.ExistsByEmail(ctx, c.CompanyID, c.Email)
	if err != nil {
		return 0, fmt.Errorf("failed to check candidate: %w", err)
	}
	if exists {
		return 0, domain.ErrCandidateExists
	}

	if cls.DetectedPosition != nil && *cls.DetectedPosition != "" {
		job, err := p.Jobs.FindActiveByTitle(ctx, c.CompanyID, *cls.DetectedPosition)
		if err != nil {
			logger.WithError(err).Warn("[Processor.createCandidate] job lookup failed for %q", *cls.DetectedPosition)
		} else if job != nil {
			c.JobID = &job.ID
		}
	}

	c.CreatedAt = time.Now()
	if err := p.Candidates.Create(ctx, c); err != nil {
		// the unique index is authoritative
		if errors.Is(err, domain.ErrCandidateExists) || errors.Is(err, domain.ErrDuplicate) {
			return 0, domain.ErrCandidateExists
		}
		return 0, fmt.Errorf("failed to create candidate: %w", err)
	}

	if c.JobID != nil {
		if err := p.Dispatcher.Dispatch(ctx, c.ID, *c.JobID); err != nil {
			return c.ID, &scoringFailure{candidateID: c.ID, err: err}
		}
	}
	return c.ID, nil
}

// scoringFailure means the candidate exists but was not scored.
type scoringFailure struct {
	candidateID int64
	err         error
}

func (e *scoringFailure) Error() string {
	return fmt.Sprintf("scoring candidate %d: %v", e.candidateID, e.err)
}

func (e *scoringFailure) Unwrap() error { return e.err }

var filenameNoise = regexp.MustCompile(`(?i)\b(?:resume|résumé|curriculum|vitae|cv|final|updated|new|copy|\d+)\b`)

// profileFromFilename is the parse fallback: a name-only profile.
func profileFromFilename(filename string, msg *out.ProviderMessage) *domain.CandidateProfile {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(base)
	base = filenameNoise.ReplaceAllString(base, " ")
	first, last := splitName(base)
	if first == "" {
		first, last = splitName(msg.FromName)
	}
	return &domain.CandidateProfile{FirstName: first, LastName: last}
}

func splitName(full string) (first, last string) {
	parts := strings.Fields(strings.Trim(full, `"' `))
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return titleCase(parts[0]), ""
	}
	return titleCase(parts[0]), titleCase(strings.Join(parts[1:], " "))
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}

// resolveEmail prefers the parsed address and falls back to the sender.
func resolveEmail(parsed, sender string) string {
	for _, candidate := range []string{parsed, sender} {
		if candidate == "" {
			continue
		}
		if addr, err := mail.ParseAddress(candidate); err == nil {
			return strings.ToLower(addr.Address)
		}
	}
	return ""
}

func localPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
