package bootstrap

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"intake_server/adapter/in/worker"
	"intake_server/adapter/out/messaging"
	"intake_server/config"
	"intake_server/core/port/out"
	"intake_server/core/service/auth"
	"intake_server/pkg/logger"
)

const (
	scoringGroup = "intake-scorers"
	scoringQueue = "intake.scoring"

	poolDrainTimeout = 30 * time.Second
)

// consumer is either the Redis stream consumer or the AMQP one.
type consumer interface {
	Run(ctx context.Context) error
}

type Worker struct {
	pool      *worker.Pool
	scheduler *worker.Scheduler
	consumer  consumer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopped   chan struct{}
	stopOnce  sync.Once
	zlog      zerolog.Logger
}

func NewWorker(deps *Dependencies) (*Worker, error) {
	cfg := deps.Config
	zlog := logger.Component("worker")

	handler := worker.NewHandler(deps.SyncService, deps.SyncService, deps.Scorer)

	poolConfig := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		poolConfig.MaxWorkers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		poolConfig.QueueSize = cfg.WorkerQueueSize
	}
	if cfg.SyncTimeout > 0 {
		poolConfig.JobTimeoutByType[worker.JobSyncConnection] = cfg.SyncTimeout
		poolConfig.JobTimeoutByType[worker.JobPushSync] = cfg.SyncTimeout
	}
	pool := worker.NewPool(handler, poolConfig, zlog)
	pool.OnDeadLetter(func(msg *worker.Message, err error) {
		zlog.Error().Err(err).Str("job_id", msg.ID).Str("job_type", msg.Type).
			Interface("payload", msg.Payload).Msg("job dead-lettered")
	})

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pool:    pool,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		zlog:    zlog,
	}

	if cfg.SchedulerEnabled {
		s, err := newScheduler(deps, zlog)
		if err != nil {
			cancel()
			return nil, err
		}
		w.scheduler = s
	}

	c, err := newScoringConsumer(deps, zlog)
	if err != nil {
		cancel()
		return nil, err
	}
	w.consumer = c

	return w, nil
}

// newScheduler registers the four sweeps. Each sweep has its own guard, so a
// slow poll never blocks token refresh.
func newScheduler(deps *Dependencies, zlog zerolog.Logger) (*worker.Scheduler, error) {
	cfg := deps.Config
	s := worker.NewScheduler(zlog)

	sweeps := []worker.Sweep{
		{
			Name:    worker.SweepPoll,
			Spec:    cfg.PollSchedule,
			Timeout: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := deps.SyncService.PollAll(ctx)
				return err
			},
		},
		{
			Name:    worker.SweepTokenRefresh,
			Spec:    cfg.TokenRefreshSchedule,
			Timeout: 5 * time.Minute,
			Run: func(ctx context.Context) error {
				refreshed, failed, err := deps.Tokens.RefreshExpiring(ctx, tokenRefreshWindow(cfg.TokenRefreshSchedule))
				if err == nil && refreshed+failed > 0 {
					logger.Info("[TokenRefresh] refreshed=%d failed=%d", refreshed, failed)
				}
				return err
			},
		},
		{
			Name:    worker.SweepWatchRenew,
			Spec:    cfg.WatchRenewSchedule,
			Timeout: 10 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := deps.Watches.RenewExpiring(ctx)
				return err
			},
		},
		{
			Name:    worker.SweepCleanup,
			Spec:    cfg.CleanupSchedule,
			Timeout: 30 * time.Minute,
			Run:     deps.Janitor.Run,
		},
	}
	for _, sw := range sweeps {
		if err := s.Register(sw); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// tokenRefreshWindow is the expiry margin plus the sweep interval, so no
// token expires between two ticks. Non-interval specs get an hour.
func tokenRefreshWindow(spec string) time.Duration {
	interval := time.Hour
	if s, ok := strings.CutPrefix(spec, "@every "); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
			interval = d
		}
	}
	return auth.RefreshMargin + interval
}

// newScoringConsumer returns nil when scoring runs inline.
func newScoringConsumer(deps *Dependencies, zlog zerolog.Logger) (consumer, error) {
	cfg := deps.Config
	handler := worker.NewScoringHandler(deps.Scorer)

	switch {
	case deps.ScoringQueue == nil:
		logger.Info("scoring runs inline, no queue consumer")
		return nil, nil

	case cfg.ScoringQueue == config.QueueRedis && deps.Redis != nil:
		return messaging.NewConsumer(deps.Redis, &messaging.ConsumerConfig{
			Group:                scoringGroup,
			Consumer:             cfg.WorkerID,
			Streams:              []string{out.StreamScoring},
			Handler:              handler,
			Logger:               zlog.With().Str("component", "scoring_consumer").Logger(),
			PendingCheckInterval: time.Duration(cfg.ConsumerPendingCheckSec) * time.Second,
			MaxRetries:           cfg.ConsumerMaxRetries,
		}), nil

	case cfg.ScoringQueue == config.QueueAMQP && deps.AMQP != nil:
		return messaging.NewAMQPConsumer(deps.AMQP, messaging.AMQPConsumerConfig{
			Queue:      scoringQueue,
			RoutingKey: out.RoutingKeyScoring,
			Handler:    handler,
			Logger:     zlog.With().Str("component", "scoring_consumer").Logger(),
			MaxRetries: cfg.ConsumerMaxRetries,
		})
	}
	return nil, nil
}

// Start runs the pool, the sweeps and the scoring consumer, then blocks
// until Stop has drained everything.
func (w *Worker) Start() {
	w.pool.Start()

	if w.consumer != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.zlog.Info().Msg("starting scoring consumer")
			if err := w.consumer.Run(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.zlog.Error().Err(err).Msg("scoring consumer stopped")
			}
		}()
	}

	if w.scheduler != nil {
		w.scheduler.Start()
	}

	<-w.stopped
}

// Stop halts new ticks first, then the consumer, then drains the pool.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		defer close(w.stopped)

		ctx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
		defer cancel()

		if w.scheduler != nil {
			w.scheduler.Stop(ctx)
		}
		w.cancel()
		w.wg.Wait()
		w.pool.Stop(ctx)
		w.zlog.Info().Msg("worker stopped")
	})
}

// EnqueuePush queues a push-triggered sync ahead of regular jobs.
func (w *Worker) EnqueuePush(address string, cursor uint64) bool {
	return w.pool.Submit(worker.NewPushMessage(address, cursor))
}

// EnqueueSync queues a manual sync of one connection.
func (w *Worker) EnqueueSync(connectionID int64) bool {
	return w.pool.Submit(worker.NewSyncMessage(connectionID))
}

// EnqueueScore queues an operator-requested rescore.
func (w *Worker) EnqueueScore(candidateID, jobID int64) bool {
	return w.pool.Submit(worker.NewScoreMessage(candidateID, jobID))
}

func (w *Worker) GetMetrics() worker.PoolMetrics {
	return w.pool.GetMetrics()
}
