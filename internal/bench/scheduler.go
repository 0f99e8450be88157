package bench

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler re-executes a scenario on a cron schedule, for soak benchmarking
// of the flow engine across many fresh database runs.
type Scheduler struct {
	runner   *Runner
	scenario Scenario
	schedule string

	cron     *cron.Cron
	running  bool
	inFlight atomic.Bool
	mu       sync.Mutex

	logger zerolog.Logger
}

// NewScheduler validates the cron expression and creates a Scheduler.
func NewScheduler(runner *Runner, scenario Scenario, schedule string, logger zerolog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, err
	}

	return &Scheduler{
		runner:   runner,
		scenario: scenario,
		schedule: schedule,
		logger:   logger.With().Str("component", "bench-scheduler").Logger(),
	}, nil
}

// Start begins scheduling runs. cron fires each tick in its own goroutine, so
// ticks arriving while a run is still executing are skipped: concurrent runs
// would fight over the data directory, the supervisor, and the log paths.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Scheduler already running")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.schedule).
		Str("scenario", s.scenario.RunName()).
		Msg("Benchmark scheduler started")
	return nil
}

// Stop stops the schedule and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Benchmark scheduler stopped")
}

func (s *Scheduler) runOnce() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("Previous run still executing, skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	run, err := s.runner.Run(context.Background(), s.scenario)
	if err != nil {
		s.logger.Error().Err(err).Msg("Scheduled run failed")
		return
	}
	s.logger.Info().
		Str("run_id", run.ID).
		Str("scenario", run.Scenario).
		Dur("duration", run.Duration).
		Msg("Scheduled run finished")
}
