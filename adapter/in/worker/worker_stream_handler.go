package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"intake_server/adapter/out/messaging"
	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

// ScoringHandler consumes scoring tasks from the Redis stream or AMQP queue.
type ScoringHandler struct {
	scorer CandidateScorer
}

func NewScoringHandler(scorer CandidateScorer) *ScoringHandler {
	return &ScoringHandler{scorer: scorer}
}

// Handle implements messaging.JobHandler. Tasks that can never succeed are
// marked with messaging.ErrDiscard; everything else is retried.
func (h *ScoringHandler) Handle(ctx context.Context, source string, data []byte) (err error) {
	start := time.Now()
	defer func() { metrics.RecordWorkerJob(out.RoutingKeyScoring, err, time.Since(start)) }()

	var task domain.ScoringTask
	if err := json.Unmarshal(data, &task); err != nil {
		return fmt.Errorf("%w: decode scoring task: %w", messaging.ErrDiscard, err)
	}
	if task.CandidateID <= 0 || task.JobID <= 0 {
		return fmt.Errorf("%w: invalid scoring task %+v", messaging.ErrDiscard, task)
	}

	_, err = h.scorer.Score(ctx, task.CandidateID, task.JobID)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		// candidate or job deleted after the task was queued
		return fmt.Errorf("%w: %w", messaging.ErrDiscard, err)
	}
	logger.WithError(err).Warn("[ScoringHandler.Handle] %s: candidate %d job %d", source, task.CandidateID, task.JobID)
	return err
}

var _ messaging.JobHandler = (*ScoringHandler)(nil)
