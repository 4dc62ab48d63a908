package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SwingSentinel/internal/api"
	"SwingSentinel/internal/model"
	"SwingSentinel/internal/scheduler"

	"github.com/rs/zerolog"
)

// Options carries the lifecycle settings App needs from config.
type Options struct {
	Timeframe       model.Timeframe
	CycleCron       string
	CatalogCron     string
	RunOnStart      bool
	ShutdownTimeout time.Duration
}

// TimeframeStore registers the configured timeframe at startup.
type TimeframeStore interface {
	EnsureTimeframe(ctx context.Context, tf model.Timeframe) error
}

// App encapsulates the updater lifecycle.
type App struct {
	opts      Options
	store     TimeframeStore
	scheduler *scheduler.Scheduler
	server    *api.Server
	log       zerolog.Logger
	startup   sync.WaitGroup
}

// New creates an App. server may be nil when the admin API is disabled.
func New(opts Options, st TimeframeStore, sched *scheduler.Scheduler, server *api.Server, logger zerolog.Logger) *App {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &App{
		opts:      opts,
		store:     st,
		scheduler: sched,
		server:    server,
		log:       logger.With().Str("component", "app").Logger(),
	}
}

// Run starts the scheduler and admin server and blocks until ctx is done,
// then shuts both down.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.EnsureTimeframe(ctx, a.opts.Timeframe); err != nil {
		return fmt.Errorf("register timeframe: %w", err)
	}
	if err := a.scheduler.RegisterAll(a.opts.CycleCron, a.opts.CatalogCron); err != nil {
		return err
	}
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return err
		}
	}
	a.scheduler.Start()

	if a.opts.RunOnStart {
		a.log.Info().Msg("RUN_ON_START enabled, refreshing catalog and running a cycle now")
		a.startup.Add(1)
		go func() {
			defer a.startup.Done()
			a.runOnce()
		}()
	}

	a.log.Info().Str("timeframe", a.opts.Timeframe.Name).Msg("swing sentinel is running")
	<-ctx.Done()
	a.log.Info().Msg("shutdown signal received")
	return a.shutdown()
}

func (a *App) runOnce() {
	if err := a.scheduler.RunCatalogNow(); err != nil && !errors.Is(err, scheduler.ErrEmptyCatalog) {
		a.log.Warn().Err(err).Msg("startup catalog refresh failed, cycling over stored instruments")
	}
	if _, err := a.scheduler.RunCycleNow(); err != nil {
		a.log.Error().Err(err).Msg("startup cycle aborted")
	}
}

func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ShutdownTimeout)
	defer cancel()

	var errs []error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			a.log.Error().Err(err).Msg("http shutdown error")
			errs = append(errs, err)
		}
	}
	// Running jobs see a cancelled context and stop starting new instruments.
	if err := a.scheduler.Stop(ctx); err != nil {
		a.log.Error().Err(err).Msg("scheduler did not stop in time")
		errs = append(errs, err)
	}

	done := make(chan struct{})
	go func() {
		a.startup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("startup run still going: %w", ctx.Err()))
	}
	a.log.Info().Msg("swing sentinel stopped")
	return errors.Join(errs...)
}
