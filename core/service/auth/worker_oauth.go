package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/logger"
)

// RefreshMargin is how close to expiry a token may get before it is refreshed.
const RefreshMargin = 5 * time.Minute

// TokenManager hands out valid access tokens and refreshes them.
type TokenManager struct {
	connRepo out.ConnectionRepository
	provider out.MailAuthenticator
	margin   time.Duration
}

func NewTokenManager(connRepo out.ConnectionRepository, provider out.MailAuthenticator) *TokenManager {
	return &TokenManager{
		connRepo: connRepo,
		provider: provider,
		margin:   RefreshMargin,
	}
}

// GetValidAccessToken returns the stored token, refreshing first when it
// expires within the margin.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, connectionID int64) (*oauth2.Token, error) {
	conn, err := m.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("connection %d: %w", connectionID, domain.ErrConnectionInactive)
	}

	if conn.TokenExpiresWithin(m.margin) {
		return m.refresh(ctx, conn)
	}
	return tokenOf(conn), nil
}

// Refresh forces a refresh regardless of expiry.
func (m *TokenManager) Refresh(ctx context.Context, connectionID int64) (*oauth2.Token, error) {
	conn, err := m.connRepo.GetByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	if !conn.IsActive {
		return nil, fmt.Errorf("connection %d: %w", connectionID, domain.ErrConnectionInactive)
	}
	return m.refresh(ctx, conn)
}

// RefreshExpiring refreshes every active connection whose token expires
// within window. Failures are isolated per connection.
func (m *TokenManager) RefreshExpiring(ctx context.Context, window time.Duration) (refreshed, failed int, err error) {
	conns, err := m.connRepo.ListTokenExpiring(ctx, time.Now().Add(window))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list expiring tokens: %w", err)
	}

	for _, conn := range conns {
		if ctx.Err() != nil {
			return refreshed, failed, ctx.Err()
		}
		if _, err := m.refresh(ctx, conn); err != nil {
			failed++
			logger.WithError(err).Warn("[TokenManager.RefreshExpiring] connection %d: refresh failed", conn.ID)
			continue
		}
		refreshed++
	}

	if len(conns) > 0 {
		logger.Info("[TokenManager.RefreshExpiring] refreshed=%d failed=%d", refreshed, failed)
	}
	return refreshed, failed, nil
}

func (m *TokenManager) refresh(ctx context.Context, conn *domain.MailboxConnection) (*oauth2.Token, error) {
	if conn.RefreshToken == "" {
		m.deactivate(ctx, conn.ID, "no refresh token")
		return nil, fmt.Errorf("connection %d: %w: %w", conn.ID, domain.ErrAuth, domain.ErrNoRefreshToken)
	}

	newToken, err := m.provider.RefreshToken(ctx, tokenOf(conn))
	if err != nil {
		if isTokenRejectedError(err) {
			m.deactivate(ctx, conn.ID, err.Error())
			return nil, fmt.Errorf("connection %d: %w: %v", conn.ID, domain.ErrAuth, err)
		}
		// transient, connection stays active
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshToken := conn.RefreshToken
	if newToken.RefreshToken != "" {
		refreshToken = newToken.RefreshToken
	}
	if err := m.connRepo.UpdateTokens(ctx, conn.ID, newToken.AccessToken, refreshToken, newToken.Expiry); err != nil {
		return nil, fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("[TokenManager.refresh] token refreshed for connection %d", conn.ID)
	return &oauth2.Token{
		AccessToken:  newToken.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       newToken.Expiry,
		TokenType:    "Bearer",
	}, nil
}

func (m *TokenManager) deactivate(ctx context.Context, connectionID int64, why string) {
	logger.Warn("[TokenManager] deactivating connection %d: %s", connectionID, why)
	if err := m.connRepo.Deactivate(ctx, connectionID); err != nil {
		logger.WithError(err).Error("[TokenManager] failed to deactivate connection %d", connectionID)
	}
}

func tokenOf(conn *domain.MailboxConnection) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       conn.ExpiresAt,
		TokenType:    "Bearer",
	}
}

// isTokenRejectedError reports a permanent refresh failure that needs the
// user to re-authorize.
func isTokenRejectedError(err error) bool {
	if err == nil || out.IsProviderError(err, out.ProviderErrRateLimit, out.ProviderErrServer) {
		return false
	}
	if out.IsProviderError(err, out.ProviderErrTokenExpired, out.ProviderErrAuth) {
		return true
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized {
			return true
		}
	}
	errStr := err.Error()
	return strings.Contains(errStr, "invalid_client") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "Token has been expired or revoked") ||
		strings.Contains(errStr, "Token has been revoked")
}
