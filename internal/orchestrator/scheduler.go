package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Default driver periods.
const (
	defaultConfirmInterval = 30 * time.Second
	defaultPushInterval    = 30 * time.Second
	defaultMonitorInterval = 30 * time.Second
	defaultCleanupInterval = 60 * time.Second
)

// SchedulerConfig carries the engine and the driver periods. Zero periods
// fall back to the defaults.
type SchedulerConfig struct {
	Engine          *Engine
	ConfirmInterval time.Duration
	PushInterval    time.Duration
	MonitorInterval time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
}

// Scheduler runs the engine's four ticks on independent periodic drivers.
// A failing or panicking tick never kills its driver; the next period
// retries, recovering from whatever the store says.
type Scheduler struct {
	engine          *Engine
	confirmInterval time.Duration
	pushInterval    time.Duration
	monitorInterval time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger
}

// NewScheduler builds a scheduler, applying default periods where the config
// leaves them zero.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Scheduler{
		engine:          cfg.Engine,
		confirmInterval: cfg.ConfirmInterval,
		pushInterval:    cfg.PushInterval,
		monitorInterval: cfg.MonitorInterval,
		cleanupInterval: cfg.CleanupInterval,
		logger:          logger,
	}

	if s.confirmInterval <= 0 {
		s.confirmInterval = defaultConfirmInterval
	}

	if s.pushInterval <= 0 {
		s.pushInterval = defaultPushInterval
	}

	if s.monitorInterval <= 0 {
		s.monitorInterval = defaultMonitorInterval
	}

	if s.cleanupInterval <= 0 {
		s.cleanupInterval = defaultCleanupInterval
	}

	return s
}

// Run starts the four drivers and blocks until ctx is cancelled and every
// driver has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.drive(ctx, "confirm", s.confirmInterval, s.engine.RunConfirmTick)
	})
	group.Go(func() error {
		return s.drive(ctx, "push", s.pushInterval, s.engine.RunPushTick)
	})
	group.Go(func() error {
		return s.drive(ctx, "monitor", s.monitorInterval, s.engine.RunMonitorTick)
	})
	group.Go(func() error {
		return s.drive(ctx, "cleanup", s.cleanupInterval, s.engine.RunCleanupTick)
	})

	return group.Wait()
}

// drive runs one tick immediately and then on every period until ctx is done.
func (s *Scheduler) drive(ctx context.Context, name string, period time.Duration, tick func(context.Context) error) error {
	logger := s.logger.With(slog.String("driver", name))
	logger.Info("scheduler: driver started", slog.Duration("period", period))

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		s.safeTick(ctx, logger, tick)

		select {
		case <-ctx.Done():
			logger.Info("scheduler: driver stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// safeTick runs one tick body, logging and swallowing both errors and panics
// so the driver survives to retry.
func (s *Scheduler) safeTick(ctx context.Context, logger *slog.Logger, tick func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler: tick panicked",
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()

	if err := tick(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		logger.Warn("scheduler: tick failed", slog.String("error", err.Error()))

		return
	}

	logger.Debug("scheduler: tick finished", slog.Duration("elapsed", time.Since(start)))
}
