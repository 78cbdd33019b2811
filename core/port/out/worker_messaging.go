package out

import (
	"context"

	"intake_server/core/domain"
)

// ScoringQueue hands scoring tasks to an out-of-process consumer.
type ScoringQueue interface {
	PublishScoring(ctx context.Context, task domain.ScoringTask) error
}

// Stream / routing names shared by producers and consumers.
const (
	StreamScoring     = "intake:scoring"
	RoutingKeyScoring = "candidate.score"
)
