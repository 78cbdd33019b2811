// Package ingest runs one inbound message through dedup, prefilter,
// classification and import.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/core/service/prefilter"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

const (
	DefaultImportThreshold         = 80
	DefaultMinExtractionConfidence = 0.3
)

// Config holds the processor tunables.
type Config struct {
	ImportThreshold         int
	MinExtractionConfidence float64
}

// Deps groups the collaborators. Dispatcher and Meter are required; use
// no-op implementations when those concerns are off.
type Deps struct {
	Inbound    out.InboundMessageRepository
	Candidates out.CandidateRepository
	Jobs       out.JobRepository
	Reader     out.MailReader
	Tokens     in.TokenProvider
	AI         out.AIProvider
	Storage    out.FileStorage
	Extractor  out.TextExtractor
	Dispatcher in.ScoringDispatcher
	Meter      out.UsageMeter
	Prefilter  *prefilter.Engine
}

// Processor is safe for concurrent use across connections.
type Processor struct {
	Deps
	cfg Config
}

func NewProcessor(deps Deps, cfg Config) *Processor {
	if cfg.ImportThreshold <= 0 {
		cfg.ImportThreshold = DefaultImportThreshold
	}
	if cfg.MinExtractionConfidence <= 0 {
		cfg.MinExtractionConfidence = DefaultMinExtractionConfidence
	}
	return &Processor{Deps: deps, cfg: cfg}
}

// Process handles one provider message. A second sighting of the same
// message id is a no-op. Errors after PROCESSING are recorded as FAILED and
// returned; the caller logs and moves on.
func (p *Processor) Process(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage) (domain.ProcessResult, error) {
	// 1. idempotency gate
	exists, err := p.Inbound.ExistsByProviderID(ctx, msg.ID)
	if err != nil {
		return domain.ProcessResult{}, fmt.Errorf("failed to check message %s: %w", msg.ID, err)
	}
	if exists {
		return domain.ProcessResult{Duplicate: true}, nil
	}

	// 2. facts
	facts := factsOf(conn, msg)
	rec := &domain.InboundMessageRecord{
		ConnectionID:      conn.ID,
		ProviderMessageID: msg.ID,
		Subject:           msg.Subject,
		FromEmail:         msg.FromEmail,
		FromName:          msg.FromName,
		ReceivedAt:        msg.ReceivedAt,
		Status:            domain.InboundPending,
	}

	// 3. prefilter
	decision := p.Prefilter.Decide(facts)
	metrics.RecordPrefilter(string(decision.Action))

	if decision.Action == domain.ActionSkip {
		now := time.Now()
		reason := decision.Reason
		rec.Status = domain.InboundSkipped
		rec.Reason = &reason
		rec.ProcessedAt = &now
		// metadata only
		if err := p.Inbound.Create(ctx, rec); err != nil {
			return p.createFailed(msg.ID, err)
		}
		metrics.RecordMessage(string(domain.InboundSkipped))
		logger.Debug("[Processor.Process] %s skipped: %s", msg.ID, reason)
		return domain.ProcessResult{Status: domain.InboundSkipped}, nil
	}

	// 4. classification
	cls := p.classify(ctx, conn, facts, decision)

	// 5. full record
	rec.IsJobApplication = cls.IsJobApplication
	rec.Confidence = cls.Confidence
	rec.DetectedPosition = cls.DetectedPosition
	rec.BodyText = nonEmpty(msg.BodyText)
	rec.BodyHTML = nonEmpty(msg.BodyHTML)
	if err := p.Inbound.Create(ctx, rec); err != nil {
		return p.createFailed(msg.ID, err)
	}

	// 6. import decision
	if reason, ok := p.importGate(conn, cls); !ok {
		if err := p.transition(ctx, rec, domain.InboundSkipped, reason); err != nil {
			return domain.ProcessResult{}, err
		}
		return domain.ProcessResult{Status: domain.InboundSkipped}, nil
	}

	// 7. import
	if err := p.transition(ctx, rec, domain.InboundProcessing, ""); err != nil {
		return domain.ProcessResult{}, err
	}

	candidateID, err := p.importCandidate(ctx, conn, msg, facts, cls)
	var scoreErr error
	var sf *scoringFailure
	if errors.As(err, &sf) {
		candidateID, scoreErr, err = sf.candidateID, sf, nil
		logger.WithError(sf.err).Warn("[Processor.Process] %s: candidate %d imported but not scored", msg.ID, candidateID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrCandidateExists) {
			logger.Info("[Processor.Process] %s: candidate already exists, not re-created", msg.ID)
			if terr := p.transition(ctx, rec, domain.InboundSkipped, domain.ReasonDuplicate); terr != nil {
				return domain.ProcessResult{}, terr
			}
			return domain.ProcessResult{Status: domain.InboundSkipped}, nil
		}

		if terr := p.transition(ctx, rec, domain.InboundFailed, err.Error()); terr != nil {
			logger.WithError(terr).Error("[Processor.Process] %s: could not record failure", msg.ID)
		}
		return domain.ProcessResult{Status: domain.InboundFailed}, fmt.Errorf("import message %s: %w", msg.ID, err)
	}

	// 8. done
	if err := p.transition(ctx, rec, domain.InboundImported, ""); err != nil {
		return domain.ProcessResult{}, err
	}
	p.track(ctx, conn, domain.UsageEmailImported)

	logger.Info("[Processor.Process] %s imported as candidate %d", msg.ID, candidateID)
	return domain.ProcessResult{Imported: true, Status: domain.InboundImported, CandidateID: candidateID, ScoringErr: scoreErr}, nil
}

func (p *Processor) classify(ctx context.Context, conn *domain.MailboxConnection, facts domain.EmailFacts, decision domain.PrefilterDecision) domain.Classification {
	if decision.Action == domain.ActionAutoClassify {
		return domain.Classification{
			IsJobApplication: true,
			Confidence:       decision.Confidence,
			DetectedPosition: decision.DetectedPosition,
			Reasoning:        decision.Reason,
			Source:           "prefilter",
		}
	}

	body := facts.BodyText
	if body == "" {
		body = facts.BodyHTML
	}
	cls, err := p.AI.Classify(ctx, out.ClassifyRequest{
		Subject:   facts.Subject,
		Body:      body,
		FromEmail: facts.FromEmail,
		FromName:  facts.FromName,
	})
	metrics.RecordAICall("classify", err)
	if err != nil {
		// 분류 실패는 "지원서 아님"으로 처리
		logger.WithError(err).Warn("[Processor.classify] %s: classifier failed", facts.MessageID)
		return domain.Classification{Reasoning: "classifier unavailable", Source: "ai"}
	}
	p.track(ctx, conn, domain.UsageAIClassify)

	result := *cls
	result.Source = "ai"
	if result.DetectedPosition == nil {
		result.DetectedPosition = decision.DetectedPosition
	}
	return result
}

func (p *Processor) importGate(conn *domain.MailboxConnection, cls domain.Classification) (string, bool) {
	switch {
	case !cls.IsJobApplication:
		return domain.ReasonNotApplication, false
	case cls.Confidence < p.cfg.ImportThreshold:
		return domain.ReasonLowConfidence, false
	case !conn.AutoImport:
		return domain.ReasonAutoImportOff, false
	}
	return "", true
}

// transition moves the record along the state machine and persists it.
func (p *Processor) transition(ctx context.Context, rec *domain.InboundMessageRecord, to domain.InboundStatus, reason string) error {
	if !rec.Status.CanTransition(to) {
		return fmt.Errorf("message %s: illegal transition %s -> %s", rec.ProviderMessageID, rec.Status, to)
	}
	var r *string
	if reason != "" {
		r = &reason
	}
	if err := p.Inbound.UpdateStatus(ctx, rec.ID, to, r); err != nil {
		return fmt.Errorf("message %s: failed to set %s: %w", rec.ProviderMessageID, to, err)
	}
	rec.Status = to
	rec.Reason = r
	if to.IsTerminal() {
		metrics.RecordMessage(string(to))
	}
	return nil
}

// createFailed turns a unique-constraint hit into the idempotent no-op.
func (p *Processor) createFailed(messageID string, err error) (domain.ProcessResult, error) {
	if errors.Is(err, domain.ErrDuplicate) {
		return domain.ProcessResult{Duplicate: true}, nil
	}
	return domain.ProcessResult{}, fmt.Errorf("failed to save message %s: %w", messageID, err)
}

func (p *Processor) track(ctx context.Context, conn *domain.MailboxConnection, usageType string) {
	if err := p.Meter.Track(ctx, conn.CompanyID, usageType, 1); err != nil {
		logger.WithError(err).Warn("[Processor] usage tracking failed: %s", usageType)
	}
}

func factsOf(conn *domain.MailboxConnection, msg *out.ProviderMessage) domain.EmailFacts {
	atts := make([]domain.AttachmentMeta, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		meta := domain.AttachmentMeta{
			Filename:     a.Filename,
			MimeType:     a.MimeType,
			Size:         a.Size,
			AttachmentID: a.ID,
		}
		// a résumé is never a body image, whatever its disposition
		if a.IsInline && !prefilter.IsResumeAttachment(meta) {
			continue
		}
		atts = append(atts, meta)
	}
	return domain.EmailFacts{
		MessageID:     msg.ID,
		Subject:       msg.Subject,
		FromEmail:     msg.FromEmail,
		FromName:      msg.FromName,
		BodyText:      msg.BodyText,
		BodyHTML:      msg.BodyHTML,
		ReceivedAt:    msg.ReceivedAt,
		Attachments:   atts,
		Headers:       msg.Headers,
		CompanyDomain: conn.InternalDomain(),
	}
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
