package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler manages the cron jobs driving the pipeline. A tick that fires
// while the previous run of the same job is still going is skipped, and
// ticks missed while the process was down are not replayed.
type Scheduler struct {
	Cron     *cron.Cron
	Pipeline *Pipeline
	Ctx      context.Context
	log      zerolog.Logger
}

// NewScheduler creates a new Scheduler evaluating cron specs in loc.
func NewScheduler(ctx context.Context, p *Pipeline, loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	slog := logger.With().Str("component", "scheduler").Logger()
	cronLog := cron.PrintfLogger(&slog)
	return &Scheduler{
		Cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		Pipeline: p,
		Ctx:      ctx,
		log:      slog,
	}
}

// RegisterAll registers the swing cycle and, if catalogCron is set, the
// catalog refresh.
func (s *Scheduler) RegisterAll(cycleCron, catalogCron string) error {
	if _, err := s.Cron.AddFunc(cycleCron, s.cycleTask); err != nil {
		return fmt.Errorf("register cycle task: %w", err)
	}
	if catalogCron == "" {
		return nil
	}
	if _, err := s.Cron.AddFunc(catalogCron, s.catalogTask); err != nil {
		return fmt.Errorf("register catalog task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	for _, e := range s.Cron.Entries() {
		s.log.Info().Time("next", e.Next).Msg("job scheduled")
	}
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.Cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunCycleNow executes the swing cycle immediately (manual trigger / RUN_ON_START).
func (s *Scheduler) RunCycleNow() (CycleReport, error) {
	return s.Pipeline.RunCycle(s.Ctx)
}

// RunCatalogNow refreshes the instrument catalog immediately.
func (s *Scheduler) RunCatalogNow() error {
	_, err := s.Pipeline.RunCatalogStage(s.Ctx)
	return err
}

func (s *Scheduler) cycleTask() {
	s.log.Info().Msg("running swing cycle")
	if _, err := s.Pipeline.RunCycle(s.Ctx); err != nil {
		s.log.Error().Err(err).Msg("swing cycle aborted, retrying on next tick")
	}
}

func (s *Scheduler) catalogTask() {
	s.log.Info().Msg("running catalog refresh")
	if _, err := s.Pipeline.RunCatalogStage(s.Ctx); err != nil {
		s.log.Error().Err(err).Msg("catalog refresh failed")
	}
}
