package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"intake_server/pkg/metrics"
)

// Sweep names
const (
	SweepPoll         = "poll"
	SweepTokenRefresh = "token_refresh"
	SweepWatchRenew   = "watch_renew"
	SweepCleanup      = "cleanup"
)

// Sweep is one periodic job.
type Sweep struct {
	Name    string
	Spec    string // cron spec, e.g. "@every 2m"
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// SweepGuard lets one run through at a time; overlapping ticks are dropped,
// not queued.
type SweepGuard struct {
	mu sync.Mutex
}

// TryRun runs fn unless a previous run still holds the guard. Reports
// whether fn ran.
func (g *SweepGuard) TryRun(fn func()) bool {
	if !g.mu.TryLock() {
		return false
	}
	defer g.mu.Unlock()
	fn()
	return true
}

// Scheduler drives the sweeps on robfig/cron.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	guards map[string]*SweepGuard
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	l := log.With().Str("component", "scheduler").Logger()
	cl := cronLogger{log: l}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		ctx:    ctx,
		cancel: cancel,
		log:    l,
		guards: make(map[string]*SweepGuard),
	}
}

// Register adds a sweep. Must be called before Start.
func (s *Scheduler) Register(sw Sweep) error {
	if sw.Timeout <= 0 {
		sw.Timeout = 10 * time.Minute
	}
	guard := &SweepGuard{}
	s.guards[sw.Name] = guard

	if _, err := s.cron.AddFunc(sw.Spec, func() { s.tick(sw, guard) }); err != nil {
		return fmt.Errorf("cron.AddFunc %s (%q): %w", sw.Name, sw.Spec, err)
	}
	s.log.Info().Str("sweep", sw.Name).Str("spec", sw.Spec).Msg("sweep registered")
	return nil
}

// RunNow triggers a sweep outside its schedule, under the same guard.
func (s *Scheduler) RunNow(sw Sweep) bool {
	guard, ok := s.guards[sw.Name]
	if !ok {
		guard = &SweepGuard{}
		s.guards[sw.Name] = guard
	}
	return s.tick(sw, guard)
}

func (s *Scheduler) tick(sw Sweep, guard *SweepGuard) bool {
	ran := guard.TryRun(func() {
		ctx, cancel := context.WithTimeout(s.ctx, sw.Timeout)
		defer cancel()

		start := time.Now()
		err := sw.Run(ctx)
		elapsed := time.Since(start)
		metrics.RecordSweep(sw.Name, elapsed)

		if err != nil {
			s.log.Error().Err(err).Str("sweep", sw.Name).Dur("elapsed", elapsed).Msg("sweep failed")
			return
		}
		s.log.Debug().Str("sweep", sw.Name).Dur("elapsed", elapsed).Msg("sweep done")
	})
	if !ran {
		metrics.RecordSweepSkipped(sw.Name)
		s.log.Warn().Str("sweep", sw.Name).Msg("previous run still in flight, tick skipped")
	}
	return ran
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("sweeps", len(s.guards)).Msg("scheduler started")
}

// Stop stops new ticks and waits for running sweeps until ctx is done;
// then in-flight sweeps are cancelled.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn().Msg("sweeps still running at shutdown, cancelling")
	}
	s.cancel()
	s.log.Info().Msg("scheduler stopped")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
