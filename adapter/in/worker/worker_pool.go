package worker

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"intake_server/pkg/metrics"
)

// =============================================================================
// go-pkgz/pool 기반 Worker Pool
// =============================================================================

// MaxRetries is the number of re-submissions before a job goes to the DLQ.
const MaxRetries = 3

// JobProcessor handles one job. *Handler is the production implementation.
type JobProcessor interface {
	Process(ctx context.Context, msg *Message) error
}

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	MaxWorkers       int                       // 최대 워커 수
	QueueSize        int                       // 우선순위 큐 크기 기준
	JobTimeout       time.Duration             // 작업 타임아웃 (기본 60초)
	JobTimeoutByType map[JobType]time.Duration // 작업 유형별 타임아웃
	BatchSize        int                       // 배치 처리 크기
	WorkerChanSize   int                       // 워커 채널 버퍼 크기
	RatePerSecond    int                       // 초당 제출 허용량
	BaseBackoff      time.Duration             // 재시도 기본 지연
}

// DefaultPoolConfig returns default pool configuration.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxWorkers:     8,
		QueueSize:      1000,
		JobTimeout:     60 * time.Second,
		BatchSize:      1,
		WorkerChanSize: 100,
		RatePerSecond:  100,
		BaseBackoff:    time.Second,
		JobTimeoutByType: map[JobType]time.Duration{
			JobSyncConnection: 3 * time.Minute,  // 메일함 동기화는 오래 걸릴 수 있음
			JobPushSync:       2 * time.Minute,  // 알림 기반 증분 동기화
			JobScoreCandidate: 90 * time.Second, // AI 채점 (OpenAI 응답 지연 대비)
		},
	}
}

// DeadLetterFunc receives jobs that exhausted their retries.
type DeadLetterFunc func(msg *Message, err error)

// Pool is a bounded worker pool with per-type timeouts, retry with
// exponential backoff and a dead letter channel.
type Pool struct {
	handler JobProcessor
	config  *PoolConfig

	pool         *pool.WorkerGroup[*Message]
	priorityPool *pool.WorkerGroup[*Message]

	ctx    context.Context
	cancel context.CancelFunc

	metrics *PoolMetrics
	log     zerolog.Logger

	rateLimiter *RateLimiter

	priorityJobs chan *Message

	// Dead Letter Queue
	dlq       chan deadLetter
	dlqWg     sync.WaitGroup
	onDeadJob DeadLetterFunc

	started bool
	mu      sync.Mutex
}

type deadLetter struct {
	msg *Message
	err error
}

// PoolMetrics holds pool metrics.
type PoolMetrics struct {
	JobsProcessed     int64
	JobsFailed        int64
	JobsDropped       int64
	JobsRetried       int64
	AvgProcessTime    int64 // milliseconds
	QueueSize         int32
	PriorityQueueSize int32
}

// messageWorker implements pool.Worker interface for Message processing.
type messageWorker struct {
	pool *Pool
}

// Do implements pool.Worker interface. Errors are handled by the pool, so
// the group never stops on one bad job.
func (w *messageWorker) Do(ctx context.Context, msg *Message) error {
	_ = w.pool.processJob(ctx, msg)
	return nil
}

// NewPool creates a new worker pool.
func NewPool(handler JobProcessor, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 100
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		handler:      handler,
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
		metrics:      &PoolMetrics{},
		log:          log.With().Str("component", "worker_pool").Logger(),
		rateLimiter:  NewRateLimiter(config.RatePerSecond, time.Second),
		priorityJobs: make(chan *Message, config.QueueSize/10+1),
		dlq:          make(chan deadLetter, 100),
	}
}

// OnDeadLetter registers a callback for jobs moved to the DLQ.
func (p *Pool) OnDeadLetter(fn DeadLetterFunc) {
	p.onDeadJob = fn
}

// Start starts the worker pool.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}

	p.pool = pool.New[*Message](p.config.MaxWorkers, &messageWorker{pool: p}).
		WithBatchSize(p.config.BatchSize).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	// 우선순위 Worker Pool (push 알림용)
	p.priorityPool = pool.New[*Message](p.config.MaxWorkers/4+1, &messageWorker{pool: p}).
		WithBatchSize(1).
		WithWorkerChanSize(p.config.WorkerChanSize/2 + 1).
		WithContinueOnError()

	if err := p.pool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start main pool")
		return
	}
	if err := p.priorityPool.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start priority pool")
		return
	}

	p.started = true

	p.dlqWg.Add(1)
	go p.dlqProcessor()
	go p.metricsReporter()
	go p.priorityQueueConsumer()

	p.log.Info().
		Int("max_workers", p.config.MaxWorkers).
		Int("batch_size", p.config.BatchSize).
		Msg("worker pool started")
}

// Stop stops accepting jobs and drains in-flight ones, bounded by ctx.
func (p *Pool) Stop(ctx context.Context) {
	p.log.Info().Msg("stopping worker pool...")

	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	if err := p.priorityPool.Close(ctx); err != nil {
		p.log.Warn().Err(err).Msg("error closing priority pool")
	}
	if err := p.pool.Close(ctx); err != nil {
		p.log.Warn().Err(err).Msg("error closing main pool")
	}

	p.cancel()

	close(p.dlq)
	p.dlqWg.Wait()

	p.log.Info().
		Int64("processed", atomic.LoadInt64(&p.metrics.JobsProcessed)).
		Int64("failed", atomic.LoadInt64(&p.metrics.JobsFailed)).
		Msg("worker pool stopped")
}

// Submit submits a job to the pool. Returns false when the pool is stopped
// or the job was rate limited.
func (p *Pool) Submit(msg *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return false
	}

	if !p.rateLimiter.Allow() {
		atomic.AddInt64(&p.metrics.JobsDropped, 1)
		p.log.Warn().
			Str("job_id", msg.ID).
			Str("job_type", msg.Type).
			Msg("job dropped due to rate limiting")
		return false
	}

	if msg.IsPriority() {
		select {
		case p.priorityJobs <- msg:
			atomic.AddInt32(&p.metrics.PriorityQueueSize, 1)
			return true
		default:
			// 우선순위 큐가 가득 찬 경우 일반 큐로
		}
	}

	p.pool.Submit(msg)
	atomic.AddInt32(&p.metrics.QueueSize, 1)
	return true
}

func (p *Pool) priorityQueueConsumer() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.priorityJobs:
			atomic.AddInt32(&p.metrics.PriorityQueueSize, -1)
			p.mu.Lock()
			if p.started {
				p.priorityPool.Submit(msg)
				atomic.AddInt32(&p.metrics.QueueSize, 1)
			}
			p.mu.Unlock()
		}
	}
}

func (p *Pool) getJobTimeout(jobType JobType) time.Duration {
	if timeout, ok := p.config.JobTimeoutByType[jobType]; ok {
		return timeout
	}
	return p.config.JobTimeout
}

// processJob runs one job under its timeout and schedules a retry or a
// dead letter on failure.
func (p *Pool) processJob(ctx context.Context, msg *Message) error {
	start := time.Now()
	defer atomic.AddInt32(&p.metrics.QueueSize, -1)

	timeout := p.getJobTimeout(msg.Type)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.handler.Process(jobCtx, msg)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-jobCtx.Done():
		err = jobCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			p.log.Warn().
				Str("job_id", msg.ID).
				Str("job_type", msg.Type).
				Dur("timeout", timeout).
				Msg("job timed out")
		}
	}

	elapsed := time.Since(start)
	p.updateAvgProcessTime(elapsed.Milliseconds())
	metrics.RecordWorkerJob(msg.Type, err, elapsed)

	if err == nil {
		atomic.AddInt64(&p.metrics.JobsProcessed, 1)
		return nil
	}

	p.log.Error().
		Err(err).
		Str("job_id", msg.ID).
		Str("job_type", msg.Type).
		Int("retries", msg.Retries).
		Msg("job processing failed")

	if msg.Retries < MaxRetries && !errors.Is(err, ErrPermanent) {
		msg.Retries++
		atomic.AddInt64(&p.metrics.JobsRetried, 1)
		backoff := p.retryDelay(msg.Retries)
		time.AfterFunc(backoff, func() {
			if !p.Submit(msg) {
				p.log.Warn().Str("job_id", msg.ID).Msg("retry not resubmitted, pool stopped")
			}
		})
		return err
	}

	atomic.AddInt64(&p.metrics.JobsFailed, 1)
	select {
	case p.dlq <- deadLetter{msg: msg, err: err}:
	default:
		p.log.Error().Str("job_id", msg.ID).Msg("DLQ full, job lost")
	}
	return err
}

// retryDelay: base * 2^retries + random(0, 500ms)
func (p *Pool) retryDelay(retries int) time.Duration {
	base := time.Duration(1<<retries) * p.config.BaseBackoff
	jitter := time.Duration(rand.Intn(500)) * time.Millisecond
	return base + jitter
}

func (p *Pool) updateAvgProcessTime(elapsed int64) {
	current := atomic.LoadInt64(&p.metrics.AvgProcessTime)
	if current == 0 {
		atomic.StoreInt64(&p.metrics.AvgProcessTime, elapsed)
		return
	}
	atomic.StoreInt64(&p.metrics.AvgProcessTime, (current*9+elapsed)/10)
}

func (p *Pool) dlqProcessor() {
	defer p.dlqWg.Done()

	for dl := range p.dlq {
		p.log.Error().
			Err(dl.err).
			Str("job_id", dl.msg.ID).
			Str("job_type", dl.msg.Type).
			Int("retries", dl.msg.Retries).
			Interface("payload", dl.msg.Payload).
			Msg("DLQ: job permanently failed")

		if p.onDeadJob != nil {
			p.onDeadJob(dl.msg, dl.err)
		}
	}
}

func (p *Pool) metricsReporter() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			m := p.GetMetrics()
			p.log.Info().
				Int64("processed", m.JobsProcessed).
				Int64("failed", m.JobsFailed).
				Int64("dropped", m.JobsDropped).
				Int64("retried", m.JobsRetried).
				Int64("avg_process_ms", m.AvgProcessTime).
				Int32("queue_size", m.QueueSize).
				Int32("priority_queue", m.PriorityQueueSize).
				Msg("worker pool metrics")
		}
	}
}

// GetMetrics returns current pool metrics.
func (p *Pool) GetMetrics() PoolMetrics {
	return PoolMetrics{
		JobsProcessed:     atomic.LoadInt64(&p.metrics.JobsProcessed),
		JobsFailed:        atomic.LoadInt64(&p.metrics.JobsFailed),
		JobsDropped:       atomic.LoadInt64(&p.metrics.JobsDropped),
		JobsRetried:       atomic.LoadInt64(&p.metrics.JobsRetried),
		AvgProcessTime:    atomic.LoadInt64(&p.metrics.AvgProcessTime),
		QueueSize:         atomic.LoadInt32(&p.metrics.QueueSize),
		PriorityQueueSize: atomic.LoadInt32(&p.metrics.PriorityQueueSize),
	}
}

// =============================================================================
// Rate Limiter
// =============================================================================

// RateLimiter is a lock-free token bucket.
type RateLimiter struct {
	tokens       int64
	maxTokens    int64
	refillRate   int64
	intervalNs   int64
	lastRefillNs int64
}

func NewRateLimiter(ratePerSecond int, interval time.Duration) *RateLimiter {
	tokens := int64(ratePerSecond)
	return &RateLimiter{
		tokens:       tokens,
		maxTokens:    tokens,
		refillRate:   tokens,
		intervalNs:   int64(interval),
		lastRefillNs: time.Now().UnixNano(),
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	now := time.Now().UnixNano()
	lastRefill := atomic.LoadInt64(&r.lastRefillNs)

	if elapsed := now - lastRefill; elapsed >= r.intervalNs {
		tokensToAdd := (elapsed / r.intervalNs) * r.refillRate
		if atomic.CompareAndSwapInt64(&r.lastRefillNs, lastRefill, now) {
			for {
				current := atomic.LoadInt64(&r.tokens)
				next := min(current+tokensToAdd, r.maxTokens)
				if atomic.CompareAndSwapInt64(&r.tokens, current, next) {
					break
				}
			}
		}
	}

	for {
		current := atomic.LoadInt64(&r.tokens)
		if current <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt64(&r.tokens, current, current-1) {
			return true
		}
	}
}
