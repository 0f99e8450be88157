package bench

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/flowbench/internal/config"
	"github.com/streamhouse/flowbench/internal/dbproc"
	"github.com/streamhouse/flowbench/internal/ingest"
	"github.com/streamhouse/flowbench/internal/logcheck"
	"github.com/streamhouse/flowbench/internal/results"
	"github.com/streamhouse/flowbench/internal/sqlclient"
)

const monitorLog = `Linux 6.1.0 (host) 	05/23/24 	_x86_64_	(8 CPU)

# Time %usr %system %CPU RSS
 1716446904 1.00 0.50 1.50 120000
 1716446905 3.00 1.00 4.00 180000
`

type fakeLauncher struct {
	dir       string
	dbLog     string
	startedAs []string
}

func (f *fakeLauncher) Start(runName string) (*dbproc.Instance, error) {
	f.startedAs = append(f.startedAs, runName)
	inst := &dbproc.Instance{
		RunName:        runName,
		PID:            "4242",
		DBLogPath:      filepath.Join(f.dir, dbproc.DBLogPath(runName)),
		MonitorLogPath: filepath.Join(f.dir, dbproc.MonitorLogPath(runName)),
	}
	if err := os.WriteFile(inst.DBLogPath, []byte(f.dbLog), 0o644); err != nil {
		return nil, err
	}
	return inst, os.WriteFile(inst.MonitorLogPath, []byte(monitorLog), 0o644)
}

func (f *fakeLauncher) WaitReady(ctx context.Context, baseURL string, timeout time.Duration) error {
	return nil
}

type fakeExecutor struct {
	stmts []string
}

func (f *fakeExecutor) Exec(ctx context.Context, stmt string) (string, error) {
	f.stmts = append(f.stmts, stmt)
	return "OK", nil
}

func (f *fakeExecutor) Close(ctx context.Context) error { return nil }

type fakeWriter struct {
	runs int
}

func (f *fakeWriter) Run(ctx context.Context) (*ingest.Stats, error) {
	f.runs++
	return &ingest.Stats{Rows: 500_000}, nil
}

type fakeStore struct {
	saved []*results.Run
}

func (f *fakeStore) Save(run *results.Run) (string, error) {
	f.saved = append(f.saved, run)
	return "run-id", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Target: config.TargetConfig{Host: "127.0.0.1", HTTPPort: 4000, PGPort: 4003, Database: "public"},
		Ingest: config.IngestConfig{Table: "numbers_input", Total: 500_000, Speed: 25_000, PerRequest: 1000, Workers: 1},
		Bench:  config.BenchConfig{ParquetPath: "/tmp/numbers_input.parquet", SettleSeconds: 0},
	}
}

func testRunner(t *testing.T, cfg *config.Config, dbLog string) (*Runner, *fakeLauncher, *fakeExecutor, *fakeWriter, *fakeStore) {
	t.Helper()
	launcher := &fakeLauncher{dir: t.TempDir(), dbLog: dbLog}
	executor := &fakeExecutor{}
	writer := &fakeWriter{}
	store := &fakeStore{}

	r := &Runner{
		cfg:          cfg,
		sup:          dbproc.NewSupervisor(zerolog.Nop()),
		launcher:     launcher,
		store:        store,
		checker:      logcheck.New(),
		logger:       zerolog.Nop(),
		readyTimeout: time.Second,
		newExecutor: func(ctx context.Context) (sqlclient.Executor, error) {
			return executor, nil
		},
		newWriter: func() (WriteRunner, error) {
			return writer, nil
		},
	}
	return r, launcher, executor, writer, store
}

func TestParseScenario(t *testing.T) {
	tests := []struct {
		in      string
		want    Scenario
		wantErr bool
	}{
		{"create", Scenario{Kind: KindCreate}, false},
		{"baseline", Scenario{Kind: KindBaseline}, false},
		{"flow", Scenario{Kind: KindFlow}, false},
		{"full", Scenario{Kind: KindFull}, false},
		{"flow_4", Scenario{Kind: KindFlow, Flows: 4}, false},
		{"flow_4_v", Scenario{Kind: KindFlow, Flows: 4, Verbose: true}, false},
		{"flow_zero", Scenario{}, true},
		{"flow_0", Scenario{}, true},
		{"warmup", Scenario{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScenario(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScenarioRunName(t *testing.T) {
	assert.Equal(t, "flow", Scenario{Kind: KindFlow}.RunName())
	assert.Equal(t, "flow_4", Scenario{Kind: KindFlow, Flows: 4}.RunName())
	assert.Equal(t, "flow_4_v", Scenario{Kind: KindFlow, Flows: 4, Verbose: true}.RunName())
	assert.Equal(t, "baseline", Scenario{Kind: KindBaseline}.RunName())
}

func TestScenarioStatements(t *testing.T) {
	cfg := testConfig(t)

	t.Run("baseline", func(t *testing.T) {
		sc := Scenario{Kind: KindBaseline}
		setup := sc.SetupStatements(cfg)
		require.Len(t, setup, 2)
		assert.Contains(t, setup[0], "CREATE TABLE numbers_input")
		assert.Contains(t, setup[1], "COPY numbers_input FROM")

		post := sc.ResultStatements(cfg)
		require.Len(t, post, 1)
		assert.Equal(t, "select count(number) from numbers_input;", post[0])
	})

	t.Run("plain flow", func(t *testing.T) {
		sc := Scenario{Kind: KindFlow}
		setup := sc.SetupStatements(cfg)
		require.Len(t, setup, 3)
		assert.Contains(t, setup[1], "CREATE FLOW test_numbers\n")
		assert.Contains(t, setup[1], "SINK TO out_num_cnt\n")

		post := sc.ResultStatements(cfg)
		require.Len(t, post, 1)
		assert.Equal(t, "select * from out_num_cnt;", post[0])
	})

	t.Run("flow_3 quiet", func(t *testing.T) {
		sc := Scenario{Kind: KindFlow, Flows: 3}
		setup := sc.SetupStatements(cfg)
		require.Len(t, setup, 5)
		assert.Contains(t, setup[1], "CREATE FLOW test_numbers_0")
		assert.Contains(t, setup[3], "SINK TO out_num_cnt_2")
		assert.Empty(t, sc.ResultStatements(cfg))
	})

	t.Run("flow_2 verbose", func(t *testing.T) {
		sc := Scenario{Kind: KindFlow, Flows: 2, Verbose: true}
		post := sc.ResultStatements(cfg)
		require.Len(t, post, 2)
		assert.Equal(t, "select * from out_num_cnt_0;", post[0])
		assert.Equal(t, "select * from out_num_cnt_1;", post[1])
	})

	t.Run("create", func(t *testing.T) {
		sc := Scenario{Kind: KindCreate}
		assert.Empty(t, sc.SetupStatements(cfg))
		post := sc.ResultStatements(cfg)
		require.Len(t, post, 1)
		assert.Contains(t, post[0], "COPY numbers_input TO")
		assert.True(t, sc.NeedsIngest())
	})
}

func TestRunner_BaselineRun(t *testing.T) {
	cfg := testConfig(t)
	r, launcher, executor, writer, store := testRunner(t, cfg, "")

	run, err := r.Run(context.Background(), Scenario{Kind: KindBaseline})
	require.NoError(t, err)

	assert.Equal(t, []string{"baseline"}, launcher.startedAs)
	require.Len(t, executor.stmts, 3)
	assert.Contains(t, executor.stmts[0], "CREATE TABLE")
	assert.Contains(t, executor.stmts[1], "COPY numbers_input FROM")
	assert.Contains(t, executor.stmts[2], "select count")
	assert.Zero(t, writer.runs)

	// Monitor log was read back into the summary
	assert.InDelta(t, 2.75, run.CPUMean, 1e-9)
	assert.InDelta(t, 4.0, run.CPUPeak, 1e-9)
	assert.InDelta(t, 180.0, run.RSSPeakMB, 1e-9)

	require.Len(t, store.saved, 1)
	assert.Equal(t, "baseline", store.saved[0].Scenario)
}

func TestRunner_CreateRunIngests(t *testing.T) {
	cfg := testConfig(t)
	r, _, executor, writer, _ := testRunner(t, cfg, "")

	run, err := r.Run(context.Background(), Scenario{Kind: KindCreate})
	require.NoError(t, err)

	assert.Equal(t, 1, writer.runs)
	assert.Equal(t, int64(500_000), run.RowsWritten)
	require.Len(t, executor.stmts, 1)
	assert.Contains(t, executor.stmts[0], "COPY numbers_input TO")
}

func TestRunner_FullRunsBothPhases(t *testing.T) {
	cfg := testConfig(t)
	r, launcher, _, _, store := testRunner(t, cfg, "")

	run, err := r.Run(context.Background(), Scenario{Kind: KindFull})
	require.NoError(t, err)

	assert.Equal(t, []string{"baseline", "flow"}, launcher.startedAs)
	assert.Equal(t, "flow", run.Scenario)
	require.Len(t, store.saved, 2)
}

func TestRunner_ChecksLogWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bench.CheckLog = true

	dbLog := "flow::compute::render::src_sink: Rendered Source All send: 10 rows\n" +
		"Reduce Accum Subgraph send: [(Row { inner: [Int64(9)\n"
	r, _, _, _, store := testRunner(t, cfg, dbLog)

	run, err := r.Run(context.Background(), Scenario{Kind: KindFlow})
	require.NoError(t, err)

	assert.Contains(t, run.Divergence, "line 1")
	assert.Contains(t, run.Divergence, "accumulated sent 10")
	require.Len(t, store.saved, 1)
	assert.Equal(t, run.Divergence, store.saved[0].Divergence)
}

func TestRunner_ConsistentLogLeavesDivergenceEmpty(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bench.CheckLog = true

	dbLog := "flow::compute::render::src_sink: Rendered Source All send: 10 rows\n" +
		"Reduce Accum Subgraph send: [(Row { inner: [Int64(10)\n"
	r, _, _, _, _ := testRunner(t, cfg, dbLog)

	run, err := r.Run(context.Background(), Scenario{Kind: KindFlow})
	require.NoError(t, err)
	assert.Empty(t, run.Divergence)
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	cfg := testConfig(t)
	r, launcher, _, _, _ := testRunner(t, cfg, "")

	s, err := NewScheduler(r, Scenario{Kind: KindBaseline}, "* * * * *", zerolog.Nop())
	require.NoError(t, err)

	// A tick firing while the previous run is still executing must not start
	// a second run against the same data dir and log paths.
	s.inFlight.Store(true)
	s.runOnce()
	assert.Empty(t, launcher.startedAs)

	s.inFlight.Store(false)
	s.runOnce()
	assert.Equal(t, []string{"baseline"}, launcher.startedAs)
	assert.False(t, s.inFlight.Load())
}

func TestNewScheduler_ValidatesSchedule(t *testing.T) {
	cfg := testConfig(t)
	r, _, _, _, _ := testRunner(t, cfg, "")

	_, err := NewScheduler(r, Scenario{Kind: KindBaseline}, "not a schedule", zerolog.Nop())
	assert.Error(t, err)

	s, err := NewScheduler(r, Scenario{Kind: KindBaseline}, "0 3 * * *", zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s)
}
