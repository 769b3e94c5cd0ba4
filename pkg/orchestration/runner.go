package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/changegov/pkg/engine"
)

// Default sweep schedules, in seconds-enabled cron syntax.
const (
	DefaultReminderSpec   = "0 */15 * * * *"
	DefaultEscalationSpec = "0 0 * * * *"
)

// ErrSweepLocked is returned by RunOnce when another instance holds the sweep lock.
var ErrSweepLocked = errors.New("sweep is locked by another instance")

// ErrSweepBusy is returned by RunOnce when the concurrency limit is reached.
var ErrSweepBusy = errors.New("too many sweeps running")

// ConfigSource resolves the governance configuration for one sweep run.
type ConfigSource func(ctx context.Context) (engine.GovernanceConfig, error)

// RunnerConfig configures the sweep schedule.
type RunnerConfig struct {
	ReminderSpec   string
	EscalationSpec string

	// MaxConcurrent bounds the number of sweeps running at once.
	MaxConcurrent int

	// Timeout bounds a single sweep run.
	Timeout time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.ReminderSpec == "" {
		c.ReminderSpec = DefaultReminderSpec
	}
	if c.EscalationSpec == "" {
		c.EscalationSpec = DefaultEscalationSpec
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLocker makes every sweep run under a distributed lock.
func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

// Runner executes the sweeps on a cron schedule.
type Runner struct {
	cron    *cron.Cron
	sweeper *Sweeper
	config  ConfigSource
	locker  Locker
	cfg     RunnerConfig
	logger  zerolog.Logger

	running chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner and registers both sweeps.
func NewRunner(sweeper *Sweeper, config ConfigSource, cfg RunnerConfig, opts ...RunnerOption) (*Runner, error) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		cron:    cron.New(cron.WithSeconds()),
		sweeper: sweeper,
		config:  config,
		cfg:     cfg,
		logger:  sweeper.logger.With().Str("component", "sweep-runner").Logger(),
		running: make(chan struct{}, cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	jobs := []struct{ name, spec string }{
		{SweepReminders, cfg.ReminderSpec},
		{SweepEscalations, cfg.EscalationSpec},
	}
	for _, job := range jobs {
		name := job.name
		if _, err := r.cron.AddFunc(job.spec, func() { r.scheduled(name) }); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid %s schedule %q: %w", name, job.spec, err)
		}
	}
	return r, nil
}

// Start begins running sweeps on schedule.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info().
		Str("reminders", r.cfg.ReminderSpec).
		Str("escalations", r.cfg.EscalationSpec).
		Msg("Sweep runner started")
}

// Stop halts the schedule and waits for running sweeps until ctx expires.
func (r *Runner) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()
	r.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info().Msg("Sweep runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) scheduled(name string) {
	r.wg.Add(1)
	defer r.wg.Done()

	result, err := r.RunOnce(r.ctx, name)
	switch {
	case errors.Is(err, ErrSweepLocked), errors.Is(err, ErrSweepBusy):
		r.logger.Debug().Str("sweep", name).Err(err).Msg("Sweep skipped")
	case err != nil:
		r.logger.Error().Str("sweep", name).Err(err).Msg("Sweep failed")
	default:
		r.logger.Debug().Str("sweep", name).Int("processed", result.Processed).Msg("Scheduled sweep done")
	}
}

// RunOnce runs one sweep immediately, honouring the concurrency limit and the lock.
func (r *Runner) RunOnce(ctx context.Context, name string) (SweepResult, error) {
	select {
	case r.running <- struct{}{}:
		defer func() { <-r.running }()
	default:
		return SweepResult{}, ErrSweepBusy
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if r.locker != nil {
		release, ok, err := r.locker.TryLock(ctx, name)
		if err != nil {
			return SweepResult{}, err
		}
		if !ok {
			if tel := r.sweeper.wf.Telemetry(); tel != nil {
				tel.Metrics.RecordSweepLocked(name)
			}
			return SweepResult{}, ErrSweepLocked
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				r.logger.Warn().Err(err).Str("sweep", name).Msg("Failed to release sweep lock")
			}
		}()
	}

	cfg, err := r.config(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to resolve governance config: %w", err)
	}

	switch name {
	case SweepReminders:
		return r.sweeper.SendDueSoonReminders(ctx, cfg)
	case SweepEscalations:
		return r.sweeper.EscalateOverdueApprovals(ctx, cfg)
	default:
		return SweepResult{}, fmt.Errorf("unknown sweep %q", name)
	}
}
