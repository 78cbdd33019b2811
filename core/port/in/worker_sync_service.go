package in

import (
	"context"

	"intake_server/core/domain"
)

// ConnectionSyncer runs the per-connection sync. Poll and push both end here.
type ConnectionSyncer interface {
	SyncConnection(ctx context.Context, connectionID int64) (*domain.SyncResult, error)
}

// SyncStatusReader is the operator view.
type SyncStatusReader interface {
	Status(ctx context.Context, connectionID int64) (*domain.ConnectionStatus, error)
}
