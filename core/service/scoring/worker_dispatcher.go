package scoring

import (
	"context"
	"fmt"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

// Dispatch modes, also used as metric labels.
const (
	ModeQueue  = "queue"
	ModeInline = "inline"
)

// NewDispatcher picks the implementation once: a queue when one is
// configured, otherwise inline scoring.
func NewDispatcher(queue out.ScoringQueue, scorer *Scorer) in.ScoringDispatcher {
	if queue != nil {
		return NewQueueDispatcher(queue)
	}
	return NewInlineDispatcher(scorer)
}

// QueueDispatcher enqueues and returns.
type QueueDispatcher struct {
	queue out.ScoringQueue
}

func NewQueueDispatcher(queue out.ScoringQueue) *QueueDispatcher {
	return &QueueDispatcher{queue: queue}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, candidateID, jobID int64) error {
	task := domain.ScoringTask{CandidateID: candidateID, JobID: jobID}
	if err := d.queue.PublishScoring(ctx, task); err != nil {
		return fmt.Errorf("enqueue scoring task: %w", err)
	}
	metrics.RecordDispatch(ModeQueue)
	logger.Debug("[QueueDispatcher.Dispatch] queued candidate %d job %d", candidateID, jobID)
	return nil
}

// InlineDispatcher scores in the caller's path. Used when no broker exists.
type InlineDispatcher struct {
	scorer *Scorer
}

func NewInlineDispatcher(scorer *Scorer) *InlineDispatcher {
	return &InlineDispatcher{scorer: scorer}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, candidateID, jobID int64) error {
	metrics.RecordDispatch(ModeInline)
	if _, err := d.scorer.Score(ctx, candidateID, jobID); err != nil {
		return err
	}
	return nil
}
