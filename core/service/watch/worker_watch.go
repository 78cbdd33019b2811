// Package watch keeps provider-side push subscriptions alive. Polling
// stays the fallback, so every failure here is logged and swallowed.
package watch

import (
	"context"
	"fmt"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
)

// RenewWindow is how far ahead of expiry a subscription gets renewed.
const RenewWindow = 48 * time.Hour

type Manager struct {
	connRepo out.ConnectionRepository
	syncer   out.MailSyncer
	tokens   in.TokenProvider
	window   time.Duration
}

func NewManager(connRepo out.ConnectionRepository, syncer out.MailSyncer, tokens in.TokenProvider) *Manager {
	return &Manager{
		connRepo: connRepo,
		syncer:   syncer,
		tokens:   tokens,
		window:   RenewWindow,
	}
}

// WithWindow overrides RenewWindow.
func (m *Manager) WithWindow(d time.Duration) *Manager {
	if d > 0 {
		m.window = d
	}
	return m
}

// Establish requests a subscription and stores its cursor and expiry.
// The returned error is informational; callers may ignore it.
func (m *Manager) Establish(ctx context.Context, connectionID int64) error {
	token, err := m.tokens.GetValidAccessToken(ctx, connectionID)
	if err != nil {
		logger.WithError(err).Warn("[WatchManager.Establish] connection %d: no token, polling only", connectionID)
		return fmt.Errorf("watch connection %d: %w", connectionID, err)
	}

	resp, err := m.syncer.Watch(ctx, token)
	if err != nil {
		logger.WithError(err).Warn("[WatchManager.Establish] connection %d: watch failed, polling only", connectionID)
		return fmt.Errorf("watch connection %d: %w", connectionID, err)
	}

	historyID := resp.HistoryID
	expiresAt := resp.Expiration
	if err := m.connRepo.UpdateWatch(ctx, connectionID, &historyID, &expiresAt); err != nil {
		logger.WithError(err).Warn("[WatchManager.Establish] connection %d: failed to store watch", connectionID)
		return fmt.Errorf("store watch for connection %d: %w", connectionID, err)
	}

	logger.Info("[WatchManager.Establish] connection %d: watching until %s", connectionID, expiresAt.Format(time.RFC3339))
	return nil
}

// Cancel stops the subscription. Local state is cleared even when the
// provider call fails.
func (m *Manager) Cancel(ctx context.Context, connectionID int64) error {
	if token, err := m.tokens.GetValidAccessToken(ctx, connectionID); err != nil {
		logger.WithError(err).Debug("[WatchManager.Cancel] connection %d: no token, skipping provider stop", connectionID)
	} else if err := m.syncer.StopWatch(ctx, token); err != nil {
		logger.WithError(err).Warn("[WatchManager.Cancel] connection %d: provider stop failed", connectionID)
	}

	if err := m.connRepo.UpdateWatch(ctx, connectionID, nil, nil); err != nil {
		return fmt.Errorf("clear watch for connection %d: %w", connectionID, err)
	}
	return nil
}

// RenewResult Watch 갱신 결과
type RenewResult struct {
	Candidates int
	Renewed    int
	Failed     int
}

// RenewExpiring re-establishes subscriptions expiring inside the window,
// plus auto-import connections that never got one.
func (m *Manager) RenewExpiring(ctx context.Context) (*RenewResult, error) {
	now := time.Now()
	conns, err := m.connRepo.ListWatchRenewals(ctx, now.Add(m.window))
	if err != nil {
		return nil, fmt.Errorf("failed to list watch renewals: %w", err)
	}

	result := &RenewResult{}
	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		if !needsRenewal(conn, now, m.window) {
			continue
		}
		result.Candidates++
		if err := m.Establish(ctx, conn.ID); err != nil {
			result.Failed++
			continue
		}
		result.Renewed++
	}

	logger.Info("[WatchManager.RenewExpiring] candidates=%d renewed=%d failed=%d", result.Candidates, result.Renewed, result.Failed)
	return result, nil
}

// OnConnect is the post-connect hook: watch first, then the initial sync.
func OnConnect(m *Manager, syncer in.ConnectionSyncer) func(ctx context.Context, connectionID int64) error {
	return func(ctx context.Context, connectionID int64) error {
		_ = m.Establish(ctx, connectionID)
		if _, err := syncer.SyncConnection(ctx, connectionID); err != nil {
			return fmt.Errorf("initial sync: %w", err)
		}
		return nil
	}
}

// needsRenewal re-checks the repository selection.
func needsRenewal(conn *domain.MailboxConnection, now time.Time, window time.Duration) bool {
	if !conn.IsActive {
		return false
	}
	if !conn.HasWatch() {
		return conn.AutoImport
	}
	return conn.WatchExpiresAt.Before(now.Add(window))
}
