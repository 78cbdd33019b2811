package http

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"google.golang.org/api/idtoken"

	"intake_server/core/port/out"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
)

const (
	IdempotencyTTL = 5 * time.Minute
	// DetachedSyncTimeout bounds a push sync run outside the worker pool.
	DetachedSyncTimeout = 2 * time.Minute
)

// PushSyncer runs the push path of the intake service.
type PushSyncer interface {
	HandlePush(ctx context.Context, address string, cursor uint64) (int, error)
}

// Enqueuer hands work to the in-process worker pool. A false return means
// the pool did not take the job.
type Enqueuer interface {
	EnqueuePush(address string, cursor uint64) bool
	EnqueueSync(connectionID int64) bool
}

// TokenValidator checks a Google-signed OIDC token. *idtoken.Validator
// satisfies it.
type TokenValidator interface {
	Validate(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

type PushConfig struct {
	// Audience enables OIDC validation of the push request.
	Audience string
	// VerifyToken is a shared secret expected in the "token" query parameter.
	VerifyToken string
}

// PushHandler receives Gmail Pub/Sub push deliveries. It always answers
// fast; the sync itself runs on the pool or a detached goroutine.
type PushHandler struct {
	syncer    PushSyncer
	locker    out.Locker
	enqueuer  Enqueuer
	validator TokenValidator
	cfg       PushConfig

	// test hook
	detached func(fn func())
}

func NewPushHandler(syncer PushSyncer, locker out.Locker, enqueuer Enqueuer, validator TokenValidator, cfg PushConfig) *PushHandler {
	return &PushHandler{
		syncer:    syncer,
		locker:    locker,
		enqueuer:  enqueuer,
		validator: validator,
		cfg:       cfg,
		detached:  func(fn func()) { go fn() },
	}
}

// Register mounts the push endpoints; mw runs before the handler on these
// routes only.
func (h *PushHandler) Register(app fiber.Router, mw ...fiber.Handler) {
	handlers := make([]fiber.Handler, 0, len(mw)+1)
	handlers = append(handlers, mw...)
	handlers = append(handlers, h.Gmail)
	app.Post("/push/gmail", handlers...)
	app.Post("/webhook/gmail", handlers...)
}

// GmailPushNotification represents Gmail Pub/Sub push notification.
type GmailPushNotification struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// GmailNotificationData represents the decoded data from Gmail push notification.
type GmailNotificationData struct {
	EmailAddress string     `json:"emailAddress"`
	HistoryID    flexUint64 `json:"historyId"`
}

// flexUint64 accepts the cursor as a JSON number or a quoted string.
type flexUint64 uint64

func (f *flexUint64) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("historyId: %w", err)
	}
	*f = flexUint64(v)
	return nil
}

var errMalformed = errors.New("malformed push payload")

// decodePush extracts (address, cursor) from a push body.
func decodePush(body []byte) (string, uint64, error) {
	var n GmailPushNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return "", 0, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if n.Message.Data == "" {
		return "", 0, fmt.Errorf("%w: empty data", errMalformed)
	}

	raw, err := base64.StdEncoding.DecodeString(n.Message.Data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(n.Message.Data)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %w", errMalformed, err)
		}
	}

	var data GmailNotificationData
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", 0, fmt.Errorf("%w: %w", errMalformed, err)
	}
	address := strings.ToLower(strings.TrimSpace(data.EmailAddress))
	if address == "" || !strings.Contains(address, "@") {
		return "", 0, fmt.Errorf("%w: missing emailAddress", errMalformed)
	}
	return address, uint64(data.HistoryID), nil
}

func (h *PushHandler) Gmail(c *fiber.Ctx) error {
	if err := h.authenticate(c); err != nil {
		metrics.RecordPush("unauthorized")
		logger.WithError(err).Warn("[PushHandler.Gmail] rejected push from %s", c.IP())
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	address, cursor, err := decodePush(c.Body())
	if err != nil {
		// 전송 계층은 재시도만 하므로 잘못된 payload도 ack
		metrics.RecordPush("malformed")
		logger.WithError(err).Warn("[PushHandler.Gmail] dropped")
		return c.SendStatus(fiber.StatusOK)
	}

	ctx := c.UserContext()
	if h.locker != nil {
		key := fmt.Sprintf("push:%s:%d", address, cursor)
		first, err := h.locker.Claim(ctx, key, IdempotencyTTL)
		if err != nil {
			logger.WithError(err).Warn("[PushHandler.Gmail] idempotency check failed, processing anyway")
		} else if !first {
			metrics.RecordPush("duplicate")
			logger.Debug("[PushHandler.Gmail] duplicate %s cursor=%d", address, cursor)
			return c.SendStatus(fiber.StatusOK)
		}
	}

	if h.enqueuer != nil {
		if h.enqueuer.EnqueuePush(address, cursor) {
			metrics.RecordPush("queued")
			return c.SendStatus(fiber.StatusOK)
		}
		// polling picks it up on the next sweep
		metrics.RecordPush("dropped")
		logger.Warn("[PushHandler.Gmail] pool rejected push for %s cursor=%d", address, cursor)
		return c.SendStatus(fiber.StatusOK)
	}

	metrics.RecordPush("detached")
	h.detached(func() {
		ctx, cancel := context.WithTimeout(context.Background(), DetachedSyncTimeout)
		defer cancel()
		if _, err := h.syncer.HandlePush(ctx, address, cursor); err != nil {
			logger.WithError(err).Warn("[PushHandler.Gmail] detached sync for %s failed", address)
		}
	})
	return c.SendStatus(fiber.StatusOK)
}

// authenticate applies whichever push auth is configured. With neither
// configured every request passes.
func (h *PushHandler) authenticate(c *fiber.Ctx) error {
	if h.cfg.Audience != "" && h.validator != nil {
		raw := c.Get(fiber.HeaderAuthorization)
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			return errors.New("missing bearer token")
		}
		if _, err := h.validator.Validate(c.UserContext(), token, h.cfg.Audience); err != nil {
			return fmt.Errorf("invalid push token: %w", err)
		}
		return nil
	}
	if h.cfg.VerifyToken != "" {
		if subtle.ConstantTimeCompare([]byte(c.Query("token")), []byte(h.cfg.VerifyToken)) != 1 {
			return errors.New("verify token mismatch")
		}
	}
	return nil
}
