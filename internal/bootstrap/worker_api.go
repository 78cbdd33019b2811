package bootstrap

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"google.golang.org/api/idtoken"

	httpadapter "intake_server/adapter/in/http"
	"intake_server/infra/middleware"
	"intake_server/pkg/logger"
	"intake_server/pkg/metrics"
	"intake_server/pkg/ratelimit"
)

// push payloads are a few hundred bytes
const pushBodyLimit = 64 * 1024

// Enqueuer is the worker pool as seen by the HTTP layer. *Worker satisfies it.
type Enqueuer interface {
	httpadapter.Enqueuer
	httpadapter.ScoreEnqueuer
}

// NewAPI builds the HTTP surface. enqueuer may be nil (api-only mode); push
// and manual syncs then run detached in this process.
func NewAPI(deps *Dependencies, enqueuer Enqueuer) (*fiber.App, error) {
	cfg := deps.Config

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		// go-json
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit:          cfg.BodyLimit,
		ServerHeader:       "",
		DisableDefaultDate: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	if allowOrigins == "" && cfg.IsDevelopment() {
		allowOrigins = "http://localhost:3000,http://localhost:5173"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:  allowOrigins,
		AllowMethods:  "GET,POST,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization,X-API-Key,X-Company-ID,X-Request-ID",
		ExposeHeaders: "X-Request-ID,Retry-After",
		MaxAge:        86400,
	}))

	// Health (no auth)
	pool := deps.DB
	httpadapter.NewHealthHandler(deps.HealthChecks(), deps.LLMClient.Costs()).
		WithPool("postgres", func() metrics.PoolStats { return metrics.PgxPoolStats(pool) }).
		Register(app)

	// Push (public, authenticated per request, rate limited per source IP)
	validator, err := pushValidator(cfg.PushAudience)
	if err != nil {
		return nil, err
	}
	var limiter ratelimit.Limiter
	if deps.Redis != nil {
		limiter = ratelimit.NewSlidingWindowLimiter(deps.Redis, cfg.PushRateLimit, cfg.PushRateWindow)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.PushRateLimit, cfg.PushRateWindow)
	}
	httpadapter.NewPushHandler(deps.SyncService, deps.Locker, enqueuer, validator, httpadapter.PushConfig{
		Audience:    cfg.PushAudience,
		VerifyToken: cfg.PushVerifyToken,
	}).Register(app,
		middleware.MaxBodySize(pushBodyLimit),
		middleware.RateLimit(limiter, "push", nil),
	)
	if cfg.PushAudience == "" && cfg.PushVerifyToken == "" {
		logger.Warn("push endpoint has no authentication configured")
	}

	// Operator API
	operator := app.Group("/internal", middleware.OperatorAuth(cfg.OperatorToken))
	if cfg.OperatorToken == "" {
		logger.Warn("OPERATOR_TOKEN not set, operator API disabled")
	}

	var usage httpadapter.UsageReader
	if deps.UsageMeter != nil {
		usage = deps.UsageMeter
	}
	httpadapter.NewOperatorHandler(
		deps.SyncService,
		deps.SyncService,
		deps.Connections,
		deps.Watches,
		usage,
		enqueuer,
	).Register(operator)

	httpadapter.NewScoringHandler(deps.Dispatcher, enqueuer).Register(operator)

	// OAuth connect flow needs the Redis state store
	if deps.OAuthStates != nil {
		httpadapter.NewOAuthHandler(deps.Connections, deps.OAuthStates).Register(app, operator)
	} else {
		logger.Warn("Redis unavailable, OAuth connect endpoints disabled")
	}

	logger.Info("API server initialized")
	return app, nil
}

// pushValidator returns nil when OIDC validation is off.
func pushValidator(audience string) (httpadapter.TokenValidator, error) {
	if audience == "" {
		return nil, nil
	}
	v, err := idtoken.NewValidator(context.Background())
	if err != nil {
		return nil, err
	}
	return v, nil
}
