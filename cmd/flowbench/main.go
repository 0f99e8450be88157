package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/streamhouse/flowbench/internal/bench"
	"github.com/streamhouse/flowbench/internal/config"
	"github.com/streamhouse/flowbench/internal/logcheck"
	"github.com/streamhouse/flowbench/internal/logger"
	"github.com/streamhouse/flowbench/internal/pidstat"
	"github.com/streamhouse/flowbench/internal/plot"
	"github.com/streamhouse/flowbench/internal/results"
)

// Version is set at build time
var Version = "dev"

const usage = `flowbench - flow engine benchmark and debug toolkit

Usage:
  flowbench run <scenario> [flags]    run a benchmark (create, baseline, flow, flow_<n>[_v], full)
  flowbench check <logfile>           verify flow row-count consistency in a database log
  flowbench history [-n N]            list recorded benchmark runs
  flowbench plot -baseline F -flow F  render CPU/memory comparison charts
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	switch os.Args[1] {
	case "run":
		runCmd(cfg, os.Args[2:])
	case "check":
		checkCmd(os.Args[2:])
	case "history":
		historyCmd(cfg, os.Args[2:])
	case "plot":
		plotCmd(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func runCmd(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&cfg.Target.BinaryPath, "binary", cfg.Target.BinaryPath, "Path to the database binary")
	fs.BoolVar(&cfg.Target.ADB, "adb", cfg.Target.ADB, "Run the database on an Android device via adb")
	fs.StringVar(&cfg.Bench.ParquetPath, "parquet", cfg.Bench.ParquetPath, "Parquet file for COPY TO/FROM")
	fs.IntVar(&cfg.Ingest.Total, "total", cfg.Ingest.Total, "Total rows to write (create scenario)")
	fs.IntVar(&cfg.Ingest.Speed, "speed", cfg.Ingest.Speed, "Rows per pacing tick")
	fs.IntVar(&cfg.Ingest.Workers, "workers", cfg.Ingest.Workers, "Concurrent write workers")
	fs.StringVar(&cfg.Ingest.Compression, "compress", cfg.Ingest.Compression, "Write compression: none, gzip, zstd")
	fs.BoolVar(&cfg.Bench.CheckLog, "check-log", cfg.Bench.CheckLog, "Run the row-count consistency check after the run")
	fs.StringVar(&cfg.Bench.Schedule, "schedule", cfg.Bench.Schedule, "Cron schedule for recurring runs (empty = run once)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "run: expected exactly one scenario")
		os.Exit(2)
	}
	scenario, err := bench.ParseScenario(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(2)
	}

	log.Info().Str("version", Version).Str("scenario", scenario.RunName()).Msg("Starting flowbench")

	var store *results.Store
	if cfg.Results.Enabled {
		store, err = results.Open(cfg.Results.DBPath, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open results store")
		}
		defer store.Close()
	}

	var runStore bench.RunStore
	if store != nil {
		runStore = store
	}
	runner := bench.NewRunner(cfg, runStore, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer runner.Shutdown()

	if cfg.Bench.Schedule != "" {
		scheduler, err := bench.NewScheduler(runner, scenario, cfg.Bench.Schedule, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad schedule")
		}
		if err := scheduler.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start scheduler")
		}
		<-ctx.Done()
		scheduler.Stop()
		return
	}

	run, err := runner.Run(ctx, scenario)
	if err != nil {
		runner.Shutdown()
		log.Fatal().Err(err).Msg("Benchmark failed")
	}

	fmt.Printf("run %s (%s): %d rows written in %s, cpu mean %.1f%% peak %.1f%%, rss mean %.1fMB peak %.1fMB\n",
		run.ID, run.Scenario, run.RowsWritten, run.Duration.Round(time.Second),
		run.CPUMean, run.CPUPeak, run.RSSMeanMB, run.RSSPeakMB)
	if run.Divergence != "" {
		fmt.Printf("row-count divergence: %s\n", run.Divergence)
		os.Exit(1)
	}
}

func checkCmd(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "check: expected exactly one log file")
		os.Exit(2)
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "check: %v\n", err)
		os.Exit(2)
	}
	defer f.Close()

	div, err := logcheck.New().Scan(f)
	if err != nil {
		var perr *logcheck.ParseError
		if errors.As(err, &perr) {
			fmt.Fprintf(os.Stderr, "check: %v\n", perr)
		} else {
			fmt.Fprintf(os.Stderr, "check: %v\n", err)
		}
		os.Exit(2)
	}
	if div != nil {
		fmt.Printf("Error: line %d src_send: %d cur_output: %d\n", div.Line, div.Sent, div.Output)
		os.Exit(1)
	}
}

func historyCmd(cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "Number of runs to list")
	fs.Parse(args)

	store, err := results.Open(cfg.Results.DBPath, log.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	runs, err := store.Recent(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		os.Exit(1)
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-10s  %s  rows=%d  cpu peak %.1f%%  rss peak %.1fMB",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.Scenario, r.Duration.Round(time.Second),
			r.RowsWritten, r.CPUPeak, r.RSSPeakMB)
		if r.Divergence != "" {
			line += "  DIVERGED"
		}
		fmt.Println(line)
	}
}

func plotCmd(args []string) {
	fs := flag.NewFlagSet("plot", flag.ExitOnError)
	baselinePath := fs.String("baseline", "cpu_memory_usage_baseline.log", "Baseline monitor log (empty = plot flow alone)")
	flowPath := fs.String("flow", "cpu_memory_usage_flow.log", "Flow monitor log (empty = plot baseline alone)")
	height := fs.Int("height", plot.DefaultOptions.Height, "Chart height")
	width := fs.Int("width", plot.DefaultOptions.Width, "Chart width")
	fs.Parse(args)

	opts := plot.DefaultOptions
	opts.Height = *height
	opts.Width = *width

	// With only one log given, chart that run on its own
	switch {
	case *baselinePath == "" && *flowPath == "":
		fmt.Fprintln(os.Stderr, "plot: need at least one monitor log")
		os.Exit(2)
	case *baselinePath == "":
		usage := mustReadUsage(*flowPath)
		fmt.Println(plot.Single(usage, opts))
		fmt.Printf("flow: %s\n", plot.Summary(usage))
	case *flowPath == "":
		usage := mustReadUsage(*baselinePath)
		fmt.Println(plot.Single(usage, opts))
		fmt.Printf("baseline: %s\n", plot.Summary(usage))
	default:
		baseline := mustReadUsage(*baselinePath)
		flow := mustReadUsage(*flowPath)
		fmt.Println(plot.Comparison(baseline, flow, opts))
		fmt.Printf("baseline: %s\n", plot.Summary(baseline))
		fmt.Printf("flow:     %s\n", plot.Summary(flow))
	}
}

func mustReadUsage(path string) *pidstat.Usage {
	usage, err := readUsage(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plot: %v\n", err)
		os.Exit(1)
	}
	return usage
}

func readUsage(path string) (*pidstat.Usage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return pidstat.ParseUsage(f)
}
