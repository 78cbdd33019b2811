// Package provider implements the mailbox provider adapter.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"intake_server/core/port/out"
	"intake_server/pkg/httputil"
	"intake_server/pkg/logger"
	"intake_server/pkg/resilience"
)

const providerName = "gmail"

// gmailHeaders are the headers kept on ProviderMessage.Headers; the
// prefilter reads the list and auto-reply ones.
var gmailHeaders = []string{
	"From", "To", "Subject", "Date", "Message-Id", "Reply-To",

	// RFC Classification Headers
	"List-Unsubscribe", // RFC 2369 - Newsletter
	"List-Id",          // RFC 2919 - Mailing List ID
	"Precedence",       // bulk, list, junk
	"Auto-Submitted",   // RFC 3834 - Auto-generated
	"X-Autoreply",
	"X-Auto-Response-Suppress", // Microsoft auto-reply
}

const revokeURL = "https://oauth2.googleapis.com/revoke"

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProvider for Gmail.
type GmailAdapter struct {
	config     *oauth2.Config
	topicName  string
	httpClient *http.Client
	cb         *resilience.Breaker
}

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	ProjectID    string
	TopicName    string // "gmail-push" or a full projects/.../topics/... path
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint:     google.Endpoint,
	}

	topic := cfg.TopicName
	if topic == "" {
		topic = "gmail-push"
	}
	if !strings.HasPrefix(topic, "projects/") {
		topic = fmt.Sprintf("projects/%s/topics/%s", cfg.ProjectID, topic)
	}

	return &GmailAdapter{
		config:     config,
		topicName:  topic,
		httpClient: httputil.GmailClient(),
		cb:         resilience.NewBreaker(resilience.DefaultBreakerConfig("gmail-api")),
	}
}

// =============================================================================
// Authentication
// =============================================================================

// GetAuthURL returns the OAuth authorization URL.
func (a *GmailAdapter) GetAuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeToken exchanges authorization code for token.
func (a *GmailAdapter) ExchangeToken(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := a.config.Exchange(a.oauthContext(ctx), code)
	if err != nil {
		return nil, a.wrapError(err, "failed to exchange token")
	}
	return token, nil
}

// RefreshToken refreshes the access token. The oauth2 RetrieveError is
// kept in the chain so callers can tell a revoked grant from an outage.
func (a *GmailAdapter) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	expired := *token
	expired.Expiry = time.Now().Add(-time.Minute)

	newToken, err := a.config.TokenSource(a.oauthContext(ctx), &expired).Token()
	if err != nil {
		return nil, refreshError(err)
	}
	return newToken, nil
}

// refreshError separates a rejected grant from throttling and outages. Only
// the first one may deactivate a connection.
func refreshError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch code := re.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, "token endpoint rate limited", err, true)
		case code >= 400 && code < 500:
			return out.NewProviderError(providerName, out.ProviderErrAuth, "refresh rejected", err, false)
		}
	}
	return out.NewProviderError(providerName, out.ProviderErrServer, "failed to refresh token", err, true)
}

// RevokeToken revokes the refresh token (or the access token when no
// refresh token is held).
func (a *GmailAdapter) RevokeToken(ctx context.Context, token *oauth2.Token) error {
	value := token.RefreshToken
	if value == "" {
		value = token.AccessToken
	}
	form := url.Values{"token": {value}}

	req, err := http.NewRequest(http.MethodPost, revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httputil.DoWithContext(ctx, a.httpClient, req)
	if err != nil {
		return a.wrapError(err, "failed to revoke token")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out.NewProviderError(providerName, out.ProviderErrAuth,
			fmt.Sprintf("revoke returned %d", resp.StatusCode), nil, false)
	}
	return nil
}

// GetProfile retrieves the mailbox address and current history id.
func (a *GmailAdapter) GetProfile(ctx context.Context, token *oauth2.Token) (*out.ProviderProfile, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var profile *gmail.Profile
	err = a.execute(func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}

	return &out.ProviderProfile{
		Email:     strings.ToLower(profile.EmailAddress),
		HistoryID: profile.HistoryId,
	}, nil
}

// =============================================================================
// Sync
// =============================================================================

// ListHistory returns inbox messages added since startHistoryID, oldest
// first. A 404 means the cursor is too old.
func (a *GmailAdapter) ListHistory(ctx context.Context, token *oauth2.Token, startHistoryID uint64) (*out.ProviderHistoryResult, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	result := &out.ProviderHistoryResult{HistoryID: startHistoryID}
	seen := make(map[string]bool)
	pageToken := ""

	for {
		call := svc.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			LabelId("INBOX").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		err := a.execute(func() error {
			var apiErr error
			resp, apiErr = call.Do()
			return apiErr
		})
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
				return nil, out.NewProviderError(providerName, out.ProviderErrSyncRequired, "history cursor expired", err, false)
			}
			return nil, a.wrapError(err, "failed to list history")
		}

		// 추가된 메시지 ID 수집 (중복 제거)
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				result.MessageIDs = append(result.MessageIDs, added.Message.Id)
			}
		}
		if resp.HistoryId > result.HistoryID {
			result.HistoryID = resp.HistoryId
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return result, nil
}

// ListUnread returns the most recent unread inbox messages, oldest first,
// with the mailbox's current history id as the new cursor.
func (a *GmailAdapter) ListUnread(ctx context.Context, token *oauth2.Token, maxResults int64) (*out.ProviderHistoryResult, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var resp *gmail.ListMessagesResponse
	err = a.execute(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Messages.List("me").
			Q("is:unread in:inbox").
			MaxResults(maxResults).
			Context(ctx).
			Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to list unread messages")
	}

	// Gmail lists newest first
	ids := make([]string, 0, len(resp.Messages))
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		ids = append(ids, resp.Messages[i].Id)
	}

	profile, err := a.GetProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	return &out.ProviderHistoryResult{MessageIDs: ids, HistoryID: profile.HistoryID}, nil
}

// Watch sets up push notifications on the inbox.
func (a *GmailAdapter) Watch(ctx context.Context, token *oauth2.Token) (*out.ProviderWatchResponse, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	req := &gmail.WatchRequest{
		TopicName: a.topicName,
		LabelIds:  []string{"INBOX"},
	}

	var resp *gmail.WatchResponse
	err = a.execute(func() error {
		var apiErr error
		resp, apiErr = svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to setup watch")
	}

	return &out.ProviderWatchResponse{
		HistoryID:  resp.HistoryId,
		Expiration: time.UnixMilli(resp.Expiration),
	}, nil
}

// StopWatch stops push notifications.
func (a *GmailAdapter) StopWatch(ctx context.Context, token *oauth2.Token) error {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return err
	}

	err = a.execute(func() error {
		return svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		return a.wrapError(err, "failed to stop watch")
	}
	return nil
}

// =============================================================================
// Message Reading
// =============================================================================

// GetMessage retrieves a single message with body and attachment metadata.
func (a *GmailAdapter) GetMessage(ctx context.Context, token *oauth2.Token, messageID string) (*out.ProviderMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = a.execute(func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get message")
	}

	return convertMessage(msg), nil
}

// GetAttachment downloads attachment bytes.
func (a *GmailAdapter) GetAttachment(ctx context.Context, token *oauth2.Token, messageID, attachmentID string) ([]byte, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, err
	}

	var att *gmail.MessagePartBody
	err = a.execute(func() error {
		var apiErr error
		att, apiErr = svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, a.wrapError(err, "failed to get attachment")
	}

	data, err := decodeBase64URL(att.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment: %w", err)
	}
	return data, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// oauthContext makes oauth2 use the pooled client for token endpoints.
func (a *GmailAdapter) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	return gmail.NewService(ctx, option.WithTokenSource(
		a.config.TokenSource(a.oauthContext(ctx), token),
	))
}

// execute runs fn under the breaker; 4xx responses do not count as
// failures.
func (a *GmailAdapter) execute(fn func() error) error {
	err := a.cb.Execute(fn, isServerFailure)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		logger.Warn("[GmailAdapter] circuit open, failing fast")
	}
	return err
}

func isServerFailure(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == http.StatusTooManyRequests
	}
	return true
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return out.NewProviderError(providerName, out.ProviderErrServer, "circuit open", err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(providerName, out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if strings.Contains(strings.ToLower(apiErr.Message), "rate limit") {
				return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError(providerName, out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError(providerName, out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError(providerName, out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503:
			return out.NewProviderError(providerName, out.ProviderErrServer, "Server error", err, true)
		}
	}

	return out.NewProviderError(providerName, out.ProviderErrServer, defaultMsg, err, true)
}

// =============================================================================
// Message Conversion
// =============================================================================

func convertMessage(msg *gmail.Message) *out.ProviderMessage {
	result := &out.ProviderMessage{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		HistoryID:  msg.HistoryId,
		Headers:    make(map[string]string),
		ReceivedAt: time.UnixMilli(msg.InternalDate),
	}
	if msg.Payload == nil {
		return result
	}

	for _, name := range gmailHeaders {
		if v := getHeader(msg.Payload.Headers, name); v != "" {
			result.Headers[textproto.CanonicalMIMEHeaderKey(name)] = v
		}
	}

	result.Subject = getHeader(msg.Payload.Headers, "Subject")
	if addr, err := mail.ParseAddress(getHeader(msg.Payload.Headers, "From")); err == nil {
		result.FromEmail = strings.ToLower(addr.Address)
		result.FromName = addr.Name
	} else {
		result.FromEmail = strings.ToLower(strings.Trim(getHeader(msg.Payload.Headers, "From"), "<> "))
	}

	var body messageBody
	extractBody(msg.Payload, &body)
	result.BodyText = body.text
	result.BodyHTML = body.html
	if result.BodyText == "" && result.BodyHTML != "" {
		result.BodyText = htmlToText(result.BodyHTML)
	}

	result.Attachments = extractAttachments(msg.Payload)
	return result
}

type messageBody struct {
	text string
	html string
}

// extractBody walks the MIME tree; the first text/plain and text/html parts
// win. Parts with a filename are attachments, not body.
func extractBody(part *gmail.MessagePart, body *messageBody) {
	if part == nil {
		return
	}

	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain") && body.text == "":
			if data, err := decodeBase64URL(part.Body.Data); err == nil {
				body.text = string(data)
			}
		case strings.HasPrefix(part.MimeType, "text/html") && body.html == "":
			if data, err := decodeBase64URL(part.Body.Data); err == nil {
				body.html = string(data)
			}
		}
	}

	for _, p := range part.Parts {
		extractBody(p, body)
	}
}

func extractAttachments(part *gmail.MessagePart) []out.ProviderAttachment {
	var attachments []out.ProviderAttachment

	if part.Filename != "" {
		att := out.ProviderAttachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
			IsInline: isBodyImage(part),
		}
		if part.Body != nil {
			att.ID = part.Body.AttachmentId
			att.Size = part.Body.Size
			if att.ID == "" && part.Body.Data != "" {
				if data, err := decodeBase64URL(part.Body.Data); err == nil {
					att.Data = data
					if att.Size == 0 {
						att.Size = int64(len(data))
					}
				}
			}
		}
		attachments = append(attachments, att)
	}

	for _, p := range part.Parts {
		attachments = append(attachments, extractAttachments(p)...)
	}
	return attachments
}

// isBodyImage reports an image referenced from the HTML body. Apple Mail and
// mobile clients send PDFs with an inline disposition too, so only image
// parts qualify.
func isBodyImage(part *gmail.MessagePart) bool {
	if !strings.HasPrefix(strings.ToLower(part.MimeType), "image/") {
		return false
	}
	for _, header := range part.Headers {
		switch textproto.CanonicalMIMEHeaderKey(header.Name) {
		case "Content-Id":
			return true
		case "Content-Disposition":
			if strings.HasPrefix(strings.ToLower(strings.TrimSpace(header.Value)), "inline") {
				return true
			}
		}
	}
	return false
}

func getHeader(headers []*gmail.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// decodeBase64URL accepts padded and unpadded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

var _ out.MailProvider = (*GmailAdapter)(nil)
