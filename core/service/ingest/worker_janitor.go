package ingest

import (
	"context"
	"fmt"
	"time"

	"intake_server/core/port/out"
	"intake_server/pkg/logger"
)

// Janitor strips content from SKIPPED records past retention. Rows are never
// deleted, so a re-sighted message id stays a no-op. IMPORTED and FAILED rows
// are kept whole for audit.
type Janitor struct {
	inbound   out.InboundMessageRepository
	retention time.Duration
}

func NewJanitor(inbound out.InboundMessageRepository, retentionDays int) *Janitor {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Janitor{inbound: inbound, retention: time.Duration(retentionDays) * 24 * time.Hour}
}

// PurgeSkipped redacts SKIPPED records created before now-olderThan.
func (j *Janitor) PurgeSkipped(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := j.inbound.RedactSkippedBefore(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge skipped records: %w", err)
	}
	if n > 0 {
		logger.Info("[Janitor.PurgeSkipped] redacted %d skipped records", n)
	}
	return n, nil
}

// Run purges with the configured retention.
func (j *Janitor) Run(ctx context.Context) error {
	_, err := j.PurgeSkipped(ctx, j.retention)
	return err
}
