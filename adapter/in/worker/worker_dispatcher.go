package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/pkg/logger"
)

// PushSyncer is the push entry point of the intake service.
type PushSyncer interface {
	HandlePush(ctx context.Context, address string, cursor uint64) (int, error)
}

// CandidateScorer runs one scoring task to completion.
type CandidateScorer interface {
	Score(ctx context.Context, candidateID, jobID int64) (*domain.CandidateScore, error)
}

// ErrPermanent marks a job that must not be retried.
var ErrPermanent = errors.New("permanent job failure")

type Handler struct {
	syncer in.ConnectionSyncer
	push   PushSyncer
	scorer CandidateScorer
}

func NewHandler(syncer in.ConnectionSyncer, push PushSyncer, scorer CandidateScorer) *Handler {
	return &Handler{
		syncer: syncer,
		push:   push,
		scorer: scorer,
	}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobSyncConnection:
		p, err := ParsePayload[SyncPayload](msg)
		if err != nil {
			return permanent(err)
		}
		_, err = h.syncer.SyncConnection(ctx, p.ConnectionID)
		if errors.Is(err, domain.ErrAuth) || errors.Is(err, domain.ErrConnectionInactive) {
			return permanent(err)
		}
		return err

	case JobPushSync:
		p, err := ParsePayload[PushPayload](msg)
		if err != nil {
			return permanent(err)
		}
		_, err = h.push.HandlePush(ctx, p.EmailAddress, p.HistoryID)
		return err

	case JobScoreCandidate:
		p, err := ParsePayload[ScorePayload](msg)
		if err != nil {
			return permanent(err)
		}
		_, err = h.scorer.Score(ctx, p.CandidateID, p.JobID)
		if errors.Is(err, domain.ErrNotFound) {
			return permanent(err)
		}
		return err

	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}

func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
