package in

import "context"

// ScoringDispatcher requests that a candidate be scored against a job.
// Success means dispatched, not scored.
type ScoringDispatcher interface {
	Dispatch(ctx context.Context, candidateID, jobID int64) error
}
