package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"intake_server/core/agent/llm"
	"intake_server/pkg/metrics"
)

// HealthChecker is anything that can be pinged for readiness.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	checks map[string]HealthChecker
	costs  *llm.CostTracker
	pools  map[string]func() metrics.PoolStats
}

func NewHealthHandler(checks map[string]HealthChecker, costs *llm.CostTracker) *HealthHandler {
	return &HealthHandler{checks: checks, costs: costs, pools: map[string]func() metrics.PoolStats{}}
}

// WithPool reports a connection pool's health on /health.
func (h *HealthHandler) WithPool(name string, snapshot func() metrics.PoolStats) *HealthHandler {
	h.pools[name] = snapshot
	return h
}

func (h *HealthHandler) Register(app *fiber.App) {
	app.Get("/health", h.Health)
	app.Get("/ready", h.Ready)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.costs != nil {
		body["llm"] = h.costs.GetStats()
	}
	if len(h.pools) > 0 {
		pools := make(map[string]metrics.PoolHealth, len(h.pools))
		for name, snap := range h.pools {
			pools[name] = metrics.AssessPool(snap())
		}
		body["pools"] = pools
	}
	return c.JSON(body)
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true
	for name, checker := range h.checks {
		if checker == nil {
			checks[name] = "not configured"
			continue
		}
		if err := checker.Ping(ctx); err != nil {
			checks[name] = "unhealthy: " + err.Error()
			allHealthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := "ready"
	statusCode := fiber.StatusOK
	if !allHealthy {
		status = "not ready"
		statusCode = fiber.StatusServiceUnavailable
	}

	return c.Status(statusCode).JSON(fiber.Map{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
