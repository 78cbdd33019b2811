package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 메시지 처리 결과 (imported, skipped, failed, duplicate)
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_messages_total",
			Help: "Inbound messages processed, by terminal status",
		},
		[]string{"status"},
	)

	PrefilterDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_prefilter_decisions_total",
			Help: "Prefilter decisions by action",
		},
		[]string{"action"},
	)

	AICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_ai_calls_total",
			Help: "AI provider calls by kind and result",
		},
		[]string{"kind", "result"}, // kind: classify, parse, score
	)

	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_sweep_duration_seconds",
			Help:    "Scheduled sweep duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"sweep"},
	)

	SweepsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_sweeps_skipped_total",
			Help: "Sweep ticks skipped because the previous run was still in flight",
		},
		[]string{"sweep"},
	)

	ScoringDispatch = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_scoring_dispatch_total",
			Help: "Scoring dispatches by mode",
		},
		[]string{"mode"}, // mode: queue, inline
	)

	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_push_notifications_total",
			Help: "Push notifications received, by outcome",
		},
		[]string{"result"},
	)

	WorkerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intake_worker_jobs_total",
			Help: "Worker pool jobs by type and result",
		},
		[]string{"type", "result"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intake_worker_job_duration_ms",
			Help:    "Worker pool job latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10ms to ~40s
		},
		[]string{"type"},
	)
)

func RecordMessage(status string) {
	MessagesProcessed.WithLabelValues(status).Inc()
}

func RecordPrefilter(action string) {
	PrefilterDecisions.WithLabelValues(action).Inc()
}

func RecordAICall(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	AICalls.WithLabelValues(kind, result).Inc()
}

func RecordSweep(sweep string, d time.Duration) {
	SweepDuration.WithLabelValues(sweep).Observe(d.Seconds())
}

func RecordSweepSkipped(sweep string) {
	SweepsSkipped.WithLabelValues(sweep).Inc()
}

func RecordDispatch(mode string) {
	ScoringDispatch.WithLabelValues(mode).Inc()
}

func RecordPush(result string) {
	PushNotifications.WithLabelValues(result).Inc()
}

func RecordWorkerJob(jobType string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	WorkerJobs.WithLabelValues(jobType, result).Inc()
	WorkerJobDuration.WithLabelValues(jobType).Observe(float64(d.Milliseconds()))
}
