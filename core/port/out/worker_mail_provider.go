// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail)
// =============================================================================

// MailProvider is the mailbox provider as seen by the ingestion pipeline.
type MailProvider interface {
	MailAuthenticator
	MailSyncer
	MailReader
}

// MailAuthenticator handles OAuth credentials.
type MailAuthenticator interface {
	GetAuthURL(state string) string
	ExchangeToken(ctx context.Context, code string) (*oauth2.Token, error)
	RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error)
	RevokeToken(ctx context.Context, token *oauth2.Token) error
	GetProfile(ctx context.Context, token *oauth2.Token) (*ProviderProfile, error)
}

// MailSyncer handles change detection and push subscriptions.
type MailSyncer interface {
	// ListHistory returns ids of messages added since startHistoryID.
	// A stale cursor yields a ProviderError with ProviderErrSyncRequired.
	ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*ProviderHistoryResult, error)
	// ListUnread returns the most recent unread inbox messages.
	ListUnread(ctx context.Context, token *oauth2.Token, maxResults int64) (*ProviderHistoryResult, error)
	Watch(ctx context.Context, token *oauth2.Token) (*ProviderWatchResponse, error)
	StopWatch(ctx context.Context, token *oauth2.Token) error
}

// MailReader fetches message content.
type MailReader interface {
	GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*ProviderMessage, error)
	GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error)
}

// ProviderProfile is the mailbox identity.
type ProviderProfile struct {
	Email     string
	HistoryID uint64
}

// ProviderHistoryResult lists new message ids and the cursor to store next.
type ProviderHistoryResult struct {
	MessageIDs []string
	HistoryID  uint64
}

// ProviderWatchResponse is the result of establishing a push subscription.
type ProviderWatchResponse struct {
	HistoryID  uint64
	Expiration time.Time
}

// ProviderMessage is a fully fetched message. Attachment bytes are not included.
type ProviderMessage struct {
	ID          string
	ThreadID    string
	HistoryID   uint64
	FromEmail   string
	FromName    string
	Subject     string
	BodyText    string
	BodyHTML    string
	Headers     map[string]string
	Attachments []ProviderAttachment
	ReceivedAt  time.Time
}

// ProviderAttachment is attachment metadata plus the provider handle.
// Small parts arrive with their bytes in Data and no ID. IsInline marks
// body images only.
type ProviderAttachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
	IsInline bool
	Data     []byte
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrSyncRequired ProviderErrorCode = "full_sync_required"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsProviderError reports whether err is a ProviderError with one of codes.
func IsProviderError(err error, codes ...ProviderErrorCode) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	for _, c := range codes {
		if pe.Code == c {
			return true
		}
	}
	return false
}
