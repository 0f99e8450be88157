// Package bench drives the flow benchmark scenarios end to end: start the
// database and its monitor, load data, read results, tear everything down,
// and summarize what the run cost.
package bench

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamhouse/flowbench/internal/config"
	"github.com/streamhouse/flowbench/internal/dbproc"
	"github.com/streamhouse/flowbench/internal/ingest"
	"github.com/streamhouse/flowbench/internal/logcheck"
	"github.com/streamhouse/flowbench/internal/pidstat"
	"github.com/streamhouse/flowbench/internal/plot"
	"github.com/streamhouse/flowbench/internal/results"
	"github.com/streamhouse/flowbench/internal/sqlclient"
)

// Launcher abstracts dbproc.Launcher for the runner.
type Launcher interface {
	Start(runName string) (*dbproc.Instance, error)
	WaitReady(ctx context.Context, baseURL string, timeout time.Duration) error
}

// WriteRunner abstracts ingest.Writer.
type WriteRunner interface {
	Run(ctx context.Context) (*ingest.Stats, error)
}

// RunStore abstracts results.Store.
type RunStore interface {
	Save(run *results.Run) (string, error)
}

// Runner owns everything one benchmark invocation touches: configuration,
// supervised child processes, the SQL client, the ingest writer, and the
// results store. It is created per invocation and not shared.
type Runner struct {
	cfg      *config.Config
	sup      *dbproc.Supervisor
	launcher Launcher
	store    RunStore
	checker  *logcheck.Checker
	logger   zerolog.Logger

	// Factories, replaceable in tests
	newExecutor func(ctx context.Context) (sqlclient.Executor, error)
	newWriter   func() (WriteRunner, error)

	readyTimeout time.Duration
}

// NewRunner wires a Runner against the real database, monitor, and stores.
func NewRunner(cfg *config.Config, store RunStore, logger zerolog.Logger) *Runner {
	sup := dbproc.NewSupervisor(logger)
	r := &Runner{
		cfg:          cfg,
		sup:          sup,
		launcher:     dbproc.NewLauncher(cfg.Target, cfg.Monitor, sup, logger),
		store:        store,
		checker:      logcheck.New(),
		logger:       logger.With().Str("component", "bench").Logger(),
		readyTimeout: 30 * time.Second,
	}
	r.newExecutor = func(ctx context.Context) (sqlclient.Executor, error) {
		pg, err := sqlclient.NewPGClient(ctx, cfg.Target.Host, cfg.Target.PGPort, cfg.Target.Database, logger)
		if err == nil {
			return pg, nil
		}
		r.logger.Warn().Err(err).Msg("pg port unavailable, falling back to HTTP SQL")
		return sqlclient.NewHTTPClient(cfg.Target.HTTPBaseURL(), cfg.Target.Database, logger), nil
	}
	r.newWriter = func() (WriteRunner, error) {
		return ingest.NewWriter(cfg.Target.HTTPBaseURL(), cfg.Target.Database, ingest.Config{
			Table:       cfg.Ingest.Table,
			Total:       cfg.Ingest.Total,
			Speed:       cfg.Ingest.Speed,
			PerRequest:  cfg.Ingest.PerRequest,
			Workers:     cfg.Ingest.Workers,
			Compression: cfg.Ingest.Compression,
			ZstdLevel:   cfg.Ingest.ZstdLevel,
			BaseTS:      cfg.Ingest.BaseTS,
		}, logger)
	}
	return r
}

// Shutdown kills any children still supervised. Safe to call repeatedly; main
// calls it from its signal handler.
func (r *Runner) Shutdown() {
	r.sup.StopAll(0)
}

// Run executes a scenario and returns its summary. The full scenario runs
// baseline then flow and returns the flow phase's summary.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*results.Run, error) {
	if sc.Kind == KindFull {
		r.logger.Info().Msg("Full benchmark: baseline phase first")
		if _, err := r.runOne(ctx, Scenario{Kind: KindBaseline}); err != nil {
			return nil, fmt.Errorf("baseline phase: %w", err)
		}
		r.logger.Info().Msg("Full benchmark: flow phase")
		run, err := r.runOne(ctx, Scenario{Kind: KindFlow})
		if err != nil {
			return nil, fmt.Errorf("flow phase: %w", err)
		}
		return run, nil
	}
	return r.runOne(ctx, sc)
}

func (r *Runner) runOne(ctx context.Context, sc Scenario) (*results.Run, error) {
	runName := sc.RunName()
	started := time.Now()
	r.logger.Info().Str("scenario", runName).Msg("Starting benchmark run")

	inst, err := r.launcher.Start(runName)
	if err != nil {
		return nil, fmt.Errorf("starting database: %w", err)
	}
	// Grace period lets the monitor flush its final samples before the kill
	grace := time.Duration(r.cfg.Bench.SettleSeconds) * time.Second
	defer r.sup.StopAll(grace)

	if err := r.launcher.WaitReady(ctx, r.cfg.Target.HTTPBaseURL(), r.readyTimeout); err != nil {
		return nil, err
	}

	executor, err := r.newExecutor(ctx)
	if err != nil {
		return nil, err
	}
	defer executor.Close(context.Background())

	if err := r.execAll(ctx, executor, sc.SetupStatements(r.cfg)); err != nil {
		return nil, err
	}

	var stats *ingest.Stats
	if sc.NeedsIngest() {
		writer, err := r.newWriter()
		if err != nil {
			return nil, err
		}
		if stats, err = writer.Run(ctx); err != nil {
			return nil, fmt.Errorf("writing source rows: %w", err)
		}
	}

	r.logger.Info().Int("settle_seconds", r.cfg.Bench.SettleSeconds).Msg("Main loop done, settling")
	if err := sleepCtx(ctx, time.Duration(r.cfg.Bench.SettleSeconds)*time.Second); err != nil {
		return nil, err
	}

	if err := r.execAll(ctx, executor, sc.ResultStatements(r.cfg)); err != nil {
		return nil, err
	}

	run := &results.Run{
		Scenario:  runName,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if stats != nil {
		run.RowsWritten = stats.Rows
		run.WriteErrors = stats.Errors
	}

	// Children must be dead before their logs are read back
	r.sup.StopAll(grace)
	r.summarize(inst, run)

	if r.store != nil {
		if _, err := r.store.Save(run); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record run")
		}
	}
	return run, nil
}

func (r *Runner) execAll(ctx context.Context, executor sqlclient.Executor, stmts []string) error {
	for _, stmt := range stmts {
		out, err := executor.Exec(ctx, stmt)
		if err != nil {
			return err
		}
		if out != "" {
			r.logger.Info().Str("result", out).Msg("SQL output")
		}
	}
	return nil
}

// summarize reads the run's monitor and database logs back into the summary:
// CPU/RSS figures from pidstat, and the row-count consistency check over the
// flow debug output.
func (r *Runner) summarize(inst *dbproc.Instance, run *results.Run) {
	if usage := r.readUsage(inst.MonitorLogPath); usage != nil {
		run.CPUMean = pidstat.Mean(usage.CPU)
		run.CPUPeak = pidstat.Peak(usage.CPU)
		run.RSSMeanMB = pidstat.Mean(usage.RSS)
		run.RSSPeakMB = pidstat.Peak(usage.RSS)
		r.logger.Info().Str("usage", plot.Summary(usage)).Msg("Resource usage")
	}

	if r.cfg.Bench.CheckLog {
		div, err := r.checkLog(inst.DBLogPath)
		switch {
		case err != nil:
			r.logger.Error().Err(err).Str("log", inst.DBLogPath).Msg("Row-count check failed to parse log")
			run.Divergence = fmt.Sprintf("check failed: %v", err)
		case div != nil:
			r.logger.Error().
				Int("line", div.Line).
				Int64("sent", div.Sent).
				Int64("output", div.Output).
				Msg("Row-count divergence detected")
			run.Divergence = div.String()
		default:
			r.logger.Info().Msg("Row counts consistent")
		}
	}
}

func (r *Runner) readUsage(path string) *pidstat.Usage {
	f, err := os.Open(path)
	if err != nil {
		r.logger.Warn().Err(err).Str("log", path).Msg("Monitor log unavailable")
		return nil
	}
	defer f.Close()

	usage, err := pidstat.ParseUsage(f)
	if err != nil {
		r.logger.Warn().Err(err).Str("log", path).Msg("Monitor log unreadable")
		return nil
	}
	return usage
}

func (r *Runner) checkLog(path string) (*logcheck.Divergence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return r.checker.Scan(f)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
