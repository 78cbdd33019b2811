// Package intake turns poll ticks and push notifications into
// per-connection syncs.
package intake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"golang.org/x/oauth2"

	"intake_server/core/domain"
	"intake_server/core/port/in"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
)

const (
	DefaultPageSize    = 25
	DefaultConcurrency = 4

	// SyncLockTTL bounds one connection sync; a crashed holder frees the
	// lock when it expires.
	SyncLockTTL = 2 * time.Minute
)

// MessageProcessor is the per-message pipeline.
type MessageProcessor interface {
	Process(ctx context.Context, conn *domain.MailboxConnection, msg *out.ProviderMessage) (domain.ProcessResult, error)
}

// SyncService is the single consumer behind both triggers.
type SyncService struct {
	connRepo    out.ConnectionRepository
	inboundRepo out.InboundMessageRepository
	syncer      out.MailSyncer
	reader      out.MailReader
	tokens      in.TokenProvider
	processor   MessageProcessor
	notifier    out.NotificationSink
	locker      out.Locker

	pageSize    int64
	concurrency int
}

func NewSyncService(
	connRepo out.ConnectionRepository,
	inboundRepo out.InboundMessageRepository,
	syncer out.MailSyncer,
	reader out.MailReader,
	tokens in.TokenProvider,
	processor MessageProcessor,
	notifier out.NotificationSink,
	pageSize int64,
	concurrency int,
) *SyncService {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &SyncService{
		connRepo:    connRepo,
		inboundRepo: inboundRepo,
		syncer:      syncer,
		reader:      reader,
		tokens:      tokens,
		processor:   processor,
		notifier:    notifier,
		pageSize:    pageSize,
		concurrency: concurrency,
	}
}

// WithLocker serializes syncs of one connection across processes.
func (s *SyncService) WithLocker(l out.Locker) *SyncService {
	s.locker = l
	return s
}

// =============================================================================
// Poll path
// =============================================================================

// SweepResult 폴링 스윕 결과
type SweepResult struct {
	Connections int
	Synced      int
	Failed      int
	Imported    int
	// ScoringFailed counts imports whose scoring failed.
	ScoringFailed int
}

// PollAll syncs every active auto-import connection, concurrently across
// connections.
func (s *SyncService) PollAll(ctx context.Context) (*SweepResult, error) {
	conns, err := s.connRepo.ListAutoImport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	result := &SweepResult{Connections: len(conns)}
	if len(conns) == 0 {
		return result, nil
	}

	w := &connectionWorker{svc: s, result: result}
	p := pool.New[*domain.MailboxConnection](s.concurrency, w).WithContinueOnError()
	if err := p.Go(ctx); err != nil {
		return nil, fmt.Errorf("failed to start sync pool: %w", err)
	}
	for _, c := range conns {
		p.Submit(c)
	}
	if err := p.Close(ctx); err != nil {
		logger.WithError(err).Warn("[SyncService.PollAll] sync pool closed with error")
	}

	logger.Info("[SyncService.PollAll] connections=%d synced=%d failed=%d imported=%d scoring_failed=%d",
		result.Connections, result.Synced, result.Failed, result.Imported, result.ScoringFailed)
	return result, nil
}

type connectionWorker struct {
	svc    *SyncService
	mu     sync.Mutex
	result *SweepResult
}

// Do never fails the group; one connection's error stays with it.
func (w *connectionWorker) Do(ctx context.Context, conn *domain.MailboxConnection) error {
	res, err := w.svc.SyncConnection(ctx, conn.ID)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.result.Failed++
		logger.WithError(err).Warn("[SyncService.PollAll] connection %d sync failed", conn.ID)
		return nil
	}
	w.result.Synced++
	w.result.Imported += res.Imported
	w.result.ScoringFailed += res.ScoringFailed
	return nil
}

// =============================================================================
// Push path
// =============================================================================

// HandlePush syncs every active connection for the notified address. The
// cursor only identifies the notification; syncs use the stored cursor.
func (s *SyncService) HandlePush(ctx context.Context, address string, cursor uint64) (int, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	conns, err := s.connRepo.ListActiveByEmail(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to find connections for %s: %w", address, err)
	}
	if len(conns) == 0 {
		logger.Warn("[SyncService.HandlePush] no active connection for %s (cursor %d), dropped", address, cursor)
		return 0, nil
	}

	synced := 0
	for _, conn := range conns {
		if _, err := s.SyncConnection(ctx, conn.ID); err != nil {
			logger.WithError(err).Warn("[SyncService.HandlePush] connection %d sync failed", conn.ID)
			continue
		}
		synced++
	}
	return synced, nil
}

// =============================================================================
// SyncConnection
// =============================================================================

// SyncConnection fetches new messages and runs each through the processor,
// in order. lastSyncAt always moves; the cursor only when messages were found.
func (s *SyncService) SyncConnection(ctx context.Context, connectionID int64) (*domain.SyncResult, error) {
	conn, err := s.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("connection %d: %w", connectionID, domain.ErrConnectionInactive)
	}

	if s.locker != nil {
		key := fmt.Sprintf("sync:conn:%d", connectionID)
		ok, err := s.locker.Acquire(ctx, key, SyncLockTTL)
		switch {
		case err != nil:
			logger.WithError(err).Warn("[SyncService.SyncConnection] lock unavailable, syncing connection %d unlocked", connectionID)
		case !ok:
			logger.Debug("[SyncService.SyncConnection] connection %d already syncing", connectionID)
			return &domain.SyncResult{ConnectionID: connectionID, Skipped: true}, nil
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
					logger.WithError(err).Warn("[SyncService.SyncConnection] release lock")
				}
			}()
		}
	}

	token, err := s.tokens.GetValidAccessToken(ctx, connectionID)
	if err != nil {
		// auth failures abandon this cycle
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	changes, usedFallback, err := s.listChanges(ctx, conn, token)
	if err != nil {
		return nil, err
	}

	result := &domain.SyncResult{
		ConnectionID: connectionID,
		Fetched:      len(changes.MessageIDs),
		UsedFallback: usedFallback,
	}

	for _, id := range changes.MessageIDs {
		if ctx.Err() != nil {
			break
		}
		msg, err := s.reader.GetMessage(ctx, token, id)
		if err != nil {
			if out.IsProviderError(err, out.ProviderErrNotFound) {
				// deleted between listing and fetch
				continue
			}
			result.Failed++
			logger.WithError(err).Warn("[SyncService.SyncConnection] connection %d: fetch %s failed", connectionID, id)
			continue
		}

		res, err := s.processor.Process(ctx, conn, msg)
		if err != nil {
			result.Failed++
			logger.WithError(err).Warn("[SyncService.SyncConnection] connection %d: message %s failed", connectionID, id)
			continue
		}
		if res.Imported {
			result.Imported++
		}
		if res.ScoringErr != nil {
			result.ScoringFailed++
		}
	}

	var cursor uint64
	if len(changes.MessageIDs) > 0 && changes.HistoryID > 0 {
		cursor = changes.HistoryID
		result.NewCursor = cursor
	}
	if err := s.connRepo.MarkSynced(ctx, connectionID, time.Now(), cursor); err != nil {
		return result, fmt.Errorf("failed to mark synced: %w", err)
	}

	if result.Imported > 0 && s.notifier != nil {
		payload := map[string]any{"count": result.Imported, "connection_id": connectionID}
		if err := s.notifier.Notify(ctx, conn.CompanyID, domain.EventCandidatesImported, payload); err != nil {
			logger.WithError(err).Warn("[SyncService.SyncConnection] notify failed")
		}
	}

	logger.Info("[SyncService.SyncConnection] connection %d: fetched=%d imported=%d failed=%d scoring_failed=%d fallback=%v",
		connectionID, result.Fetched, result.Imported, result.Failed, result.ScoringFailed, usedFallback)
	return result, nil
}

// listChanges uses the history cursor and falls back to the unread listing
// when the cursor is missing, stale or rate limited.
func (s *SyncService) listChanges(ctx context.Context, conn *domain.MailboxConnection, token *oauth2.Token) (*out.ProviderHistoryResult, bool, error) {
	if conn.HistoryID != nil && *conn.HistoryID > 0 {
		res, err := s.syncer.ListHistory(ctx, token, *conn.HistoryID)
		if err == nil {
			return res, false, nil
		}
		if !out.IsProviderError(err, out.ProviderErrSyncRequired, out.ProviderErrNotFound, out.ProviderErrRateLimit) {
			return nil, false, fmt.Errorf("failed to list history: %w", err)
		}
		logger.Info("[SyncService.listChanges] connection %d: cursor %d rejected (%v), listing unread", conn.ID, *conn.HistoryID, err)
	}

	res, err := s.syncer.ListUnread(ctx, token, s.pageSize)
	if err != nil {
		return nil, true, fmt.Errorf("failed to list unread: %w", err)
	}
	return res, true, nil
}

// Status is the operator view of one connection.
func (s *SyncService) Status(ctx context.Context, connectionID int64) (*domain.ConnectionStatus, error) {
	conn, err := s.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	counts, err := s.inboundRepo.CountByStatus(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	return &domain.ConnectionStatus{
		ConnectionID:   conn.ID,
		Email:          conn.Email,
		IsActive:       conn.IsActive,
		AutoImport:     conn.AutoImport,
		InternalDomain: conn.InternalDomain(),
		LastSyncAt:     conn.LastSyncAt,
		HistoryID:      conn.HistoryID,
		WatchExpiresAt: conn.WatchExpiresAt,
		MessageCounts:  counts,
	}, nil
}
