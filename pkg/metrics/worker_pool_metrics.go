package metrics

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Database Pool Monitor
// =============================================================================

// PoolStats is a point-in-time view of a connection pool.
type PoolStats struct {
	Total    int32 `json:"total"`
	InUse    int32 `json:"in_use"`
	Idle     int32 `json:"idle"`
	MaxConns int32 `json:"max_conns"`

	// cumulative
	AcquireCount      int64         `json:"acquire_count"`
	EmptyAcquireCount int64         `json:"empty_acquire_count"`
	AcquireDuration   time.Duration `json:"acquire_duration"`
}

// PgxPoolStats snapshots a pgx pool.
func PgxPoolStats(p *pgxpool.Pool) PoolStats {
	if p == nil {
		return PoolStats{}
	}
	s := p.Stat()
	return PoolStats{
		Total:             s.TotalConns(),
		InUse:             s.AcquiredConns(),
		Idle:              s.IdleConns(),
		MaxConns:          s.MaxConns(),
		AcquireCount:      s.AcquireCount(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
		AcquireDuration:   s.AcquireDuration(),
	}
}

// PoolHealthStatus indicates the health of a connection pool.
type PoolHealthStatus string

const (
	PoolHealthy   PoolHealthStatus = "healthy"
	PoolDegraded  PoolHealthStatus = "degraded"
	PoolUnhealthy PoolHealthStatus = "unhealthy"
)

// PoolHealth is the assessment served on /health.
type PoolHealth struct {
	Status      PoolHealthStatus `json:"status"`
	Utilization float64          `json:"utilization"` // 0.0 - 1.0
	Message     string           `json:"message,omitempty"`
	Stats       PoolStats        `json:"stats"`
}

// AssessPool grades utilization; a pool that mostly had to wait for a
// connection is degraded even at low utilization.
func AssessPool(s PoolStats) PoolHealth {
	if s.MaxConns == 0 {
		return PoolHealth{Status: PoolHealthy, Message: "unlimited connections", Stats: s}
	}

	utilization := float64(s.InUse) / float64(s.MaxConns)

	var status PoolHealthStatus
	var message string
	switch {
	case utilization >= 0.95:
		status, message = PoolUnhealthy, "pool nearly exhausted"
	case utilization >= 0.80:
		status, message = PoolDegraded, "high pool utilization"
	default:
		status, message = PoolHealthy, "pool operating normally"
	}

	if s.AcquireCount > 0 && s.EmptyAcquireCount*2 > s.AcquireCount {
		if status == PoolHealthy {
			status = PoolDegraded
		}
		message = "most acquires waited for a connection"
	}

	return PoolHealth{Status: status, Utilization: utilization, Message: message, Stats: s}
}

// =============================================================================
// Prometheus collector
// =============================================================================

type poolCollector struct {
	snapshot func() PoolStats

	total, inUse, idle, max *prometheus.Desc
	acquires, emptyAcquires *prometheus.Desc
	acquireSeconds          *prometheus.Desc
}

// RegisterPool exposes a pool as intake_db_pool_* series labelled by name.
func RegisterPool(name string, snapshot func() PoolStats) error {
	labels := prometheus.Labels{"pool": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc("intake_db_pool_"+metric, help, nil, labels)
	}
	return prometheus.Register(&poolCollector{
		snapshot:       snapshot,
		total:          desc("connections", "Open connections"),
		inUse:          desc("in_use", "Connections currently acquired"),
		idle:           desc("idle", "Idle connections"),
		max:            desc("max_connections", "Configured pool size"),
		acquires:       desc("acquires_total", "Successful acquires"),
		emptyAcquires:  desc("empty_acquires_total", "Acquires that waited for a connection"),
		acquireSeconds: desc("acquire_seconds_total", "Time spent acquiring connections"),
	})
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.total, c.inUse, c.idle, c.max, c.acquires, c.emptyAcquires, c.acquireSeconds} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.MaxConns))
	ch <- prometheus.MustNewConstMetric(c.acquires, prometheus.CounterValue, float64(s.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquires, prometheus.CounterValue, float64(s.EmptyAcquireCount))
	ch <- prometheus.MustNewConstMetric(c.acquireSeconds, prometheus.CounterValue, s.AcquireDuration.Seconds())
}
