package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/knockgate/internal/monitoring"
	"github.com/charlesng35/knockgate/internal/services"
	"github.com/charlesng35/knockgate/pkg/logger"
)

const (
	// SweepJob names the expiration sweep in metrics and health reports.
	SweepJob = "ingress_sweep"

	defaultSweepInterval = 20 * time.Second
	defaultSummaryEvery  = 3
)

// SessionSweeper is the part of the lifecycle manager the sweeper drives.
type SessionSweeper interface {
	Now() time.Time
	SweepOnce(ctx context.Context, now time.Time) (services.SweepReport, error)
	LogSummary(ctx context.Context, verbose bool)
	PurgeRevoked(ctx context.Context, retention time.Duration) (int64, error)
}

// Sweeper periodically revokes expired ingress sessions. Overlapping ticks are skipped,
// never queued.
type Sweeper struct {
	sessions     SessionSweeper
	cron         *cron.Cron
	log          *zap.Logger
	interval     time.Duration
	summaryEvery uint64
	retention    time.Duration

	ticks atomic.Uint64

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithInterval sets the time between sweeps.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSummaryEvery logs the session summary every n ticks.
func WithSummaryEvery(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.summaryEvery = uint64(n)
		}
	}
}

// WithRetention purges revoked sessions older than d on summary ticks. Zero keeps everything.
func WithRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithLogger overrides the sweeper logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// NewSweeper constructs a Sweeper for the lifecycle manager.
func NewSweeper(sessions SessionSweeper, opts ...Option) (*Sweeper, error) {
	if sessions == nil {
		return nil, errors.New("sweeper: session manager is required")
	}

	s := &Sweeper{
		sessions:     sessions,
		interval:     defaultSweepInterval,
		summaryEvery: defaultSummaryEvery,
		log:          logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(newCronLogger(s.log)))
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start schedules the sweep and launches the scheduler.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	job := cron.NewChain(cron.SkipIfStillRunning(newCronLogger(s.log))).Then(cron.FuncJob(func() {
		if err := s.RunOnce(s.ctx); err != nil {
			s.log.Warn("ingress sweep incomplete", zap.Error(err))
		}
	}))

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", spec, err)
	}

	s.cron.Start()
	s.started = true
	s.log.Info("ingress sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels the running tick between sessions and halts the scheduler. The returned
// context is done once the in-flight tick has returned.
func (s *Sweeper) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes a single tick: sweep, then on every summaryEvery-th tick the summary
// and the optional retention purge.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	tick := s.ticks.Add(1)

	report, errs := s.sessions.SweepOnce(ctx, s.sessions.Now())

	if tick%s.summaryEvery == 0 {
		s.sessions.LogSummary(ctx, false)
		if s.retention > 0 {
			purged, err := s.sessions.PurgeRevoked(ctx, s.retention)
			if err != nil {
				errs = multierr.Append(errs, err)
			} else if purged > 0 {
				s.log.Info("purged revoked ingress sessions", zap.Int64("count", purged))
			}
		}
	}

	result, message := "success", ""
	if errs != nil {
		result, message = "failure", errs.Error()
	}
	monitoring.RecordMaintenanceRun(SweepJob, result, message, time.Since(start))

	if report.Failed > 0 {
		s.log.Debug("sessions left open for retry", zap.Int("failed", report.Failed))
	}
	return errs
}

// Ticks reports how many sweeps have run.
func (s *Sweeper) Ticks() uint64 {
	return s.ticks.Load()
}
