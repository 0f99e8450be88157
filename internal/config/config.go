package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for flowbench
type Config struct {
	Target  TargetConfig
	Ingest  IngestConfig
	Bench   BenchConfig
	Monitor MonitorConfig
	Results ResultsConfig
	Log     LogConfig
}

// TargetConfig describes the database under test and how to reach it.
type TargetConfig struct {
	Host       string // Host the database listens on
	HTTPPort   int    // HTTP API port (SQL + line protocol writes)
	PGPort     int    // PostgreSQL wire protocol port
	Database   string // Database name
	BinaryPath string // Path to the database binary for local runs
	DataDir    string // Data directory wiped before each run
	ADB        bool   // Run the binary on an Android device through adb
	ADBBinary  string // Remote binary path when running through adb
	ADBDataDir string // Remote data directory when running through adb
	LogEnv     string // Value for the server's log-filter env var
}

type IngestConfig struct {
	Table       string // Source table rows are written to
	Total       int    // Total rows to write in the create scenario
	Speed       int    // Rows written per pacing tick
	PerRequest  int    // Rows per HTTP request
	Workers     int    // Concurrent write workers
	Compression string // Request compression: none, gzip, zstd
	ZstdLevel   int    // Zstd compression level
	BaseTS      int64  // Epoch ms base timestamp for generated rows
}

type BenchConfig struct {
	ParquetPath   string // Parquet file used by COPY TO / COPY FROM
	SettleSeconds int    // Wait after the main loop before reading results
	CheckLog      bool   // Run the row-count consistency check on the DB log
	Schedule      string // Optional cron schedule for recurring runs
}

type MonitorConfig struct {
	Enabled         bool // Sample the server with pidstat
	IntervalSeconds int  // pidstat sampling interval
}

type ResultsConfig struct {
	Enabled bool   // Persist run summaries
	DBPath  string // SQLite database path for run history
}

type LogConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment and config file
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("FLOWBENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("flowbench")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.flowbench/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg := &Config{
		Target: TargetConfig{
			Host:       v.GetString("target.host"),
			HTTPPort:   v.GetInt("target.http_port"),
			PGPort:     v.GetInt("target.pg_port"),
			Database:   v.GetString("target.database"),
			BinaryPath: v.GetString("target.binary_path"),
			DataDir:    v.GetString("target.data_dir"),
			ADB:        v.GetBool("target.adb"),
			ADBBinary:  v.GetString("target.adb_binary"),
			ADBDataDir: v.GetString("target.adb_data_dir"),
			LogEnv:     v.GetString("target.log_env"),
		},
		Ingest: IngestConfig{
			Table:       v.GetString("ingest.table"),
			Total:       v.GetInt("ingest.total"),
			Speed:       v.GetInt("ingest.speed"),
			PerRequest:  v.GetInt("ingest.per_request"),
			Workers:     v.GetInt("ingest.workers"),
			Compression: v.GetString("ingest.compression"),
			ZstdLevel:   v.GetInt("ingest.zstd_level"),
			BaseTS:      v.GetInt64("ingest.base_ts"),
		},
		Bench: BenchConfig{
			ParquetPath:   v.GetString("bench.parquet_path"),
			SettleSeconds: v.GetInt("bench.settle_seconds"),
			CheckLog:      v.GetBool("bench.check_log"),
			Schedule:      v.GetString("bench.schedule"),
		},
		Monitor: MonitorConfig{
			Enabled:         v.GetBool("monitor.enabled"),
			IntervalSeconds: v.GetInt("monitor.interval_seconds"),
		},
		Results: ResultsConfig{
			Enabled: v.GetBool("results.enabled"),
			DBPath:  v.GetString("results.db_path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the drivers cannot run with.
func (c *Config) Validate() error {
	if c.Ingest.PerRequest <= 0 {
		return fmt.Errorf("ingest.per_request must be positive, got %d", c.Ingest.PerRequest)
	}
	if c.Ingest.Speed > 0 && c.Ingest.Speed%c.Ingest.PerRequest != 0 {
		return fmt.Errorf("ingest.speed (%d) must be a multiple of ingest.per_request (%d)",
			c.Ingest.Speed, c.Ingest.PerRequest)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	switch c.Ingest.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("ingest.compression must be none, gzip or zstd, got %q", c.Ingest.Compression)
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be positive, got %d", c.Monitor.IntervalSeconds)
	}
	return nil
}

// HTTPBaseURL returns the base URL of the target's HTTP API.
func (c *TargetConfig) HTTPBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.HTTPPort)
}

func setDefaults(v *viper.Viper) {
	// Target defaults match a standalone server on the local machine
	v.SetDefault("target.host", "127.0.0.1")
	v.SetDefault("target.http_port", 4000)
	v.SetDefault("target.pg_port", 4003)
	v.SetDefault("target.database", "public")
	v.SetDefault("target.binary_path", "./greptime")
	v.SetDefault("target.data_dir", "/tmp/greptimedb")
	v.SetDefault("target.adb", false)
	v.SetDefault("target.adb_binary", "/data/greptime_binary/greptime")
	v.SetDefault("target.adb_data_dir", "/data/local/tmp/greptimedb/")
	v.SetDefault("target.log_env", "info,flow=debug")

	// Ingest defaults: 500k rows at 25k rows per pacing tick
	v.SetDefault("ingest.table", "numbers_input")
	v.SetDefault("ingest.total", 500_000)
	v.SetDefault("ingest.speed", 25_000)
	v.SetDefault("ingest.per_request", 1000)
	v.SetDefault("ingest.workers", 1)
	v.SetDefault("ingest.compression", "none")
	v.SetDefault("ingest.zstd_level", 3)
	v.SetDefault("ingest.base_ts", 1716446904527)

	// Bench defaults
	v.SetDefault("bench.parquet_path", "./numbers_input.parquet")
	v.SetDefault("bench.settle_seconds", 5)
	v.SetDefault("bench.check_log", false)
	v.SetDefault("bench.schedule", "")

	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval_seconds", 1)

	// Results defaults
	v.SetDefault("results.enabled", true)
	v.SetDefault("results.db_path", "./flowbench.db")

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}
