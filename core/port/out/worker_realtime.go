package out

import (
	"context"

	"github.com/google/uuid"
)

// NotificationSink tells the rest of the system about pipeline events.
// Best-effort: callers log and ignore errors.
type NotificationSink interface {
	Notify(ctx context.Context, companyID uuid.UUID, eventType string, payload map[string]any) error
}

// UsageMeter counts metered usage per tenant. Fire-and-forget.
type UsageMeter interface {
	Track(ctx context.Context, companyID uuid.UUID, usageType string, count int64) error
}
