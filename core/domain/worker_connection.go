package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const ProviderGoogle = "google"

// MailboxConnection is one authorized mailbox owned by a company.
type MailboxConnection struct {
	ID             int64      `db:"id"`
	CompanyID      uuid.UUID  `db:"company_id"`
	Provider       string     `db:"provider"`
	Email          string     `db:"email"`
	AccessToken    string     `db:"access_token"`
	RefreshToken   string     `db:"refresh_token"`
	ExpiresAt      time.Time  `db:"expires_at"`
	IsActive       bool       `db:"is_active"`
	AutoImport     bool       `db:"auto_import"`
	CompanyDomain  string     `db:"company_domain"`
	LastSyncAt     *time.Time `db:"last_sync_at"`
	HistoryID      *uint64    `db:"history_id"`
	WatchExpiresAt *time.Time `db:"watch_expires_at"`
	WatchHistoryID *uint64    `db:"watch_history_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// InternalDomain is the domain the prefilter treats as the company's own.
// An explicit CompanyDomain wins; otherwise the mailbox domain is used unless
// it is public webmail, where it says nothing about the company.
func (c *MailboxConnection) InternalDomain() string {
	if d := strings.ToLower(strings.TrimSpace(c.CompanyDomain)); d != "" && !IsPublicMailDomain(d) {
		return d
	}
	if d := EmailDomain(c.Email); !IsPublicMailDomain(d) {
		return d
	}
	return ""
}

// HasWatch reports whether a push subscription is recorded.
func (c *MailboxConnection) HasWatch() bool {
	return c.WatchExpiresAt != nil
}

// TokenExpiresWithin reports whether the access token expires inside d.
func (c *MailboxConnection) TokenExpiresWithin(d time.Duration) bool {
	return time.Until(c.ExpiresAt) < d
}

// EmailDomain returns the lower-cased part after '@', or "".
func EmailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

var publicMailDomains = map[string]bool{
	"gmail.com": true, "googlemail.com": true,
	"outlook.com": true, "hotmail.com": true, "live.com": true, "msn.com": true,
	"yahoo.com": true, "ymail.com": true,
	"icloud.com": true, "me.com": true, "mac.com": true,
	"aol.com": true, "proton.me": true, "protonmail.com": true,
	"gmx.com": true, "gmx.net": true, "mail.com": true, "zoho.com": true,
	"yandex.com": true, "yandex.ru": true,
	"naver.com": true, "daum.net": true, "hanmail.net": true, "kakao.com": true,
}

// IsPublicMailDomain reports whether d is a consumer webmail domain shared by
// unrelated people.
func IsPublicMailDomain(d string) bool {
	return publicMailDomains[strings.ToLower(strings.TrimSpace(d))]
}

// SyncResult summarizes one per-connection sync.
type SyncResult struct {
	ConnectionID int64
	Fetched      int
	Imported     int
	Failed       int
	// ScoringFailed counts imports whose scoring failed.
	ScoringFailed int
	UsedFallback  bool
	NewCursor     uint64
	// Skipped is set when another worker already holds the connection.
	Skipped bool
}

// ConnectionStatus is the operator view of a connection.
type ConnectionStatus struct {
	ConnectionID   int64                 `json:"connection_id"`
	Email          string                `json:"email"`
	IsActive       bool                  `json:"is_active"`
	AutoImport     bool                  `json:"auto_import"`
	InternalDomain string                `json:"internal_domain,omitempty"`
	LastSyncAt     *time.Time            `json:"last_sync_at,omitempty"`
	HistoryID      *uint64               `json:"history_id,omitempty"`
	WatchExpiresAt *time.Time            `json:"watch_expires_at,omitempty"`
	MessageCounts  map[InboundStatus]int `json:"message_counts"`
}
