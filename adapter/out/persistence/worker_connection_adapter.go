package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"intake_server/core/domain"
	"intake_server/core/port/out"
	"intake_server/pkg/crypto"
	"intake_server/pkg/logger"
)

const connectionColumns = `
	id, company_id, provider, email, access_token, refresh_token, expires_at,
	is_active, auto_import, company_domain, last_sync_at, history_id, watch_expires_at,
	watch_history_id, created_at, updated_at`

// ConnectionAdapter implements out.ConnectionRepository. Tokens are sealed
// at rest when a cipher is configured.
type ConnectionAdapter struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

// NewConnectionAdapter creates a new ConnectionAdapter. A nil cipher stores
// tokens as plaintext.
func NewConnectionAdapter(db *sqlx.DB, cipher *crypto.TokenCipher) *ConnectionAdapter {
	if cipher == nil {
		logger.Warn("Token encryption disabled: no ENCRYPTION_KEY")
	}
	return &ConnectionAdapter{db: db, cipher: cipher}
}

// GetByID returns a connection by ID.
func (a *ConnectionAdapter) GetByID(ctx context.Context, id int64) (*domain.MailboxConnection, error) {
	var conn domain.MailboxConnection
	query := `SELECT` + connectionColumns + ` FROM mailbox_connections WHERE id = $1`

	if err := a.db.GetContext(ctx, &conn, query, id); err != nil {
		return nil, mapError(err)
	}
	if err := a.open(&conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// ListActiveByEmail matches the mailbox address case-insensitively.
func (a *ConnectionAdapter) ListActiveByEmail(ctx context.Context, email string) ([]*domain.MailboxConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE lower(email) = lower($1) AND is_active = true
		ORDER BY id`
	return a.list(ctx, query, strings.TrimSpace(email))
}

func (a *ConnectionAdapter) ListActive(ctx context.Context) ([]*domain.MailboxConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE is_active = true
		ORDER BY id`
	return a.list(ctx, query)
}

func (a *ConnectionAdapter) ListAutoImport(ctx context.Context) ([]*domain.MailboxConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE is_active = true AND auto_import = true
		ORDER BY last_sync_at NULLS FIRST, id`
	return a.list(ctx, query)
}

func (a *ConnectionAdapter) ListWatchRenewals(ctx context.Context, expiresBefore time.Time) ([]*domain.MailboxConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE is_active = true AND auto_import = true
		  AND (watch_expires_at IS NULL OR watch_expires_at < $1)
		ORDER BY watch_expires_at NULLS FIRST, id`
	return a.list(ctx, query, expiresBefore)
}

func (a *ConnectionAdapter) ListTokenExpiring(ctx context.Context, before time.Time) ([]*domain.MailboxConnection, error) {
	query := `SELECT` + connectionColumns + `
		FROM mailbox_connections
		WHERE is_active = true AND expires_at < $1
		ORDER BY expires_at`
	return a.list(ctx, query, before)
}

// Upsert inserts or reactivates the connection for (company, provider, email)
// and sets conn.ID.
func (a *ConnectionAdapter) Upsert(ctx context.Context, conn *domain.MailboxConnection) error {
	access, refresh, err := a.seal(conn.AccessToken, conn.RefreshToken)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO mailbox_connections (
			company_id, provider, email, access_token, refresh_token, expires_at,
			is_active, auto_import, company_domain, created_at, updated_at
		) VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, lower($9), now(), now())
		ON CONFLICT (company_id, provider, email) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN mailbox_connections.refresh_token
			                     ELSE EXCLUDED.refresh_token END,
			expires_at = EXCLUDED.expires_at,
			is_active = EXCLUDED.is_active,
			auto_import = EXCLUDED.auto_import,
			company_domain = CASE WHEN mailbox_connections.company_domain = '' THEN EXCLUDED.company_domain
			                      ELSE mailbox_connections.company_domain END,
			updated_at = now()
		RETURNING id, company_domain, created_at, updated_at`

	row := a.db.QueryRowxContext(ctx, query,
		conn.CompanyID, conn.Provider, conn.Email, access, refresh, conn.ExpiresAt,
		conn.IsActive, conn.AutoImport, conn.CompanyDomain,
	)
	if err := row.Scan(&conn.ID, &conn.CompanyDomain, &conn.CreatedAt, &conn.UpdatedAt); err != nil {
		return mapError(err)
	}
	return nil
}

// UpdateTokens stores refreshed credentials. An empty refresh token keeps
// the stored one.
func (a *ConnectionAdapter) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	access, refresh, err := a.seal(accessToken, refreshToken)
	if err != nil {
		return err
	}

	query := `
		UPDATE mailbox_connections SET
			access_token = $2,
			refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
			expires_at = $4,
			updated_at = now()
		WHERE id = $1`
	return a.execOne(ctx, query, id, access, refresh, expiresAt)
}

func (a *ConnectionAdapter) Deactivate(ctx context.Context, id int64) error {
	query := `UPDATE mailbox_connections SET is_active = false, updated_at = now() WHERE id = $1`
	return a.execOne(ctx, query, id)
}

// SetCompanyDomain records the company's own mail domain for the prefilter.
func (a *ConnectionAdapter) SetCompanyDomain(ctx context.Context, id int64, companyDomain string) error {
	query := `UPDATE mailbox_connections SET company_domain = lower($2), updated_at = now() WHERE id = $1`
	return a.execOne(ctx, query, id, strings.TrimSpace(companyDomain))
}

// MarkSynced sets last_sync_at; the cursor only moves forward.
func (a *ConnectionAdapter) MarkSynced(ctx context.Context, id int64, at time.Time, historyID uint64) error {
	if historyID == 0 {
		query := `UPDATE mailbox_connections SET last_sync_at = $2, updated_at = now() WHERE id = $1`
		return a.execOne(ctx, query, id, at)
	}

	query := `
		UPDATE mailbox_connections SET
			last_sync_at = $2,
			history_id = GREATEST(COALESCE(history_id, 0), $3),
			updated_at = now()
		WHERE id = $1`
	return a.execOne(ctx, query, id, at, int64(historyID))
}

// UpdateWatch records or clears (nil, nil) the push subscription. A new
// watch also seeds history_id when none is stored yet.
func (a *ConnectionAdapter) UpdateWatch(ctx context.Context, id int64, historyID *uint64, expiresAt *time.Time) error {
	var hid *int64
	if historyID != nil {
		v := int64(*historyID)
		hid = &v
	}

	query := `
		UPDATE mailbox_connections SET
			watch_history_id = $2,
			watch_expires_at = $3,
			history_id = COALESCE(history_id, $2),
			updated_at = now()
		WHERE id = $1`
	return a.execOne(ctx, query, id, hid, expiresAt)
}

func (a *ConnectionAdapter) Delete(ctx context.Context, id int64) error {
	return a.execOne(ctx, `DELETE FROM mailbox_connections WHERE id = $1`, id)
}

// =============================================================================
// helpers
// =============================================================================

func (a *ConnectionAdapter) list(ctx context.Context, query string, args ...any) ([]*domain.MailboxConnection, error) {
	var conns []*domain.MailboxConnection
	if err := a.db.SelectContext(ctx, &conns, query, args...); err != nil {
		return nil, mapError(err)
	}

	result := conns[:0]
	for _, c := range conns {
		if err := a.open(c); err != nil {
			// one unreadable row must not hide the rest
			logger.WithError(err).Error("[ConnectionAdapter] connection %d: token decrypt failed", c.ID)
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

func (a *ConnectionAdapter) execOne(ctx context.Context, query string, args ...any) error {
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		return mapError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *ConnectionAdapter) seal(access, refresh string) (string, string, error) {
	sa, err := a.cipher.Seal(access)
	if err != nil {
		return "", "", fmt.Errorf("failed to seal access token: %w", err)
	}
	sr, err := a.cipher.Seal(refresh)
	if err != nil {
		return "", "", fmt.Errorf("failed to seal refresh token: %w", err)
	}
	return sa, sr, nil
}

func (a *ConnectionAdapter) open(c *domain.MailboxConnection) error {
	var err error
	if c.AccessToken, err = a.cipher.Open(c.AccessToken); err != nil {
		return fmt.Errorf("failed to open access token: %w", err)
	}
	if c.RefreshToken, err = a.cipher.Open(c.RefreshToken); err != nil {
		return fmt.Errorf("failed to open refresh token: %w", err)
	}
	return nil
}

var _ out.ConnectionRepository = (*ConnectionAdapter)(nil)
