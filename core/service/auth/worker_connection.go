package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
)

const connectHookTimeout = 2 * time.Minute

// ConnectionHook runs after connect or before disconnect. Set through the
// setters so this package never imports watch or intake.
type ConnectionHook func(ctx context.Context, connectionID int64) error

// ConnectionService creates and deletes mailbox connections.
type ConnectionService struct {
	connRepo     out.ConnectionRepository
	provider     out.MailAuthenticator
	onConnect    ConnectionHook
	onDisconnect ConnectionHook
}

func NewConnectionService(connRepo out.ConnectionRepository, provider out.MailAuthenticator) *ConnectionService {
	return &ConnectionService{connRepo: connRepo, provider: provider}
}

// SetConnectHook registers watch setup + initial sync.
func (s *ConnectionService) SetConnectHook(hook ConnectionHook) {
	s.onConnect = hook
}

// SetDisconnectHook registers watch cancellation.
func (s *ConnectionService) SetDisconnectHook(hook ConnectionHook) {
	s.onDisconnect = hook
}

func (s *ConnectionService) GetAuthURL(state string) string {
	return s.provider.GetAuthURL(state)
}

// Connect exchanges the code, resolves the mailbox address and stores an
// active auto-import connection. The connect hook runs in the background.
func (s *ConnectionService) Connect(ctx context.Context, companyID uuid.UUID, authCode string) (*domain.MailboxConnection, error) {
	token, err := s.provider.ExchangeToken(ctx, authCode)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}

	profile, err := s.provider.GetProfile(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox profile: %w", err)
	}

	now := time.Now()
	conn := &domain.MailboxConnection{
		CompanyID:    companyID,
		Provider:     domain.ProviderGoogle,
		Email:        strings.ToLower(profile.Email),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		IsActive:     true,
		AutoImport:   true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// 첫 폴링이 증분 동기화가 되도록 커서를 미리 심어둔다
	if profile.HistoryID > 0 {
		h := profile.HistoryID
		conn.HistoryID = &h
	}

	if err := s.connRepo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}
	logger.Info("[ConnectionService.Connect] connection %d for %s (company %s)", conn.ID, conn.Email, companyID)

	if s.onConnect != nil && conn.ID > 0 {
		go func(id int64) {
			hookCtx, cancel := context.WithTimeout(context.Background(), connectHookTimeout)
			defer cancel()
			if err := s.onConnect(hookCtx, id); err != nil {
				logger.WithError(err).Warn("[ConnectionService.Connect] post-connect setup failed for connection %d", id)
			}
		}(conn.ID)
	}

	return conn, nil
}

// SetCompanyDomain records the company's own mail domain, used by the
// prefilter to recognize internal senders. Public webmail domains are
// rejected; an empty value clears it.
func (s *ConnectionService) SetCompanyDomain(ctx context.Context, connectionID int64, companyDomain string) error {
	d := strings.ToLower(strings.TrimSpace(companyDomain))
	d = strings.TrimPrefix(d, "@")
	if d != "" {
		if strings.ContainsAny(d, "@ /") || !strings.Contains(d, ".") {
			return fmt.Errorf("company domain %q: %w", companyDomain, domain.ErrInvalidInput)
		}
		if domain.IsPublicMailDomain(d) {
			return fmt.Errorf("company domain %q is public webmail: %w", d, domain.ErrInvalidInput)
		}
	}
	if err := s.connRepo.SetCompanyDomain(ctx, connectionID, d); err != nil {
		return fmt.Errorf("failed to set company domain: %w", err)
	}
	logger.Info("[ConnectionService.SetCompanyDomain] connection %d -> %q", connectionID, d)
	return nil
}

// Disconnect cancels the watch and revokes the credential (both best-effort),
// then deletes the connection.
func (s *ConnectionService) Disconnect(ctx context.Context, connectionID int64) error {
	conn, err := s.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}

	if s.onDisconnect != nil {
		if err := s.onDisconnect(ctx, connectionID); err != nil {
			logger.WithError(err).Warn("[ConnectionService.Disconnect] watch cancel failed for connection %d", connectionID)
		}
	}

	if conn.RefreshToken != "" || conn.AccessToken != "" {
		if err := s.provider.RevokeToken(ctx, tokenOf(conn)); err != nil {
			logger.WithError(err).Warn("[ConnectionService.Disconnect] revoke failed for connection %d", connectionID)
		}
	}

	if err := s.connRepo.Delete(ctx, connectionID); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	logger.Info("[ConnectionService.Disconnect] connection %d deleted", connectionID)
	return nil
}
