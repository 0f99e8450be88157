// Package results persists benchmark run summaries in a local SQLite database
// so runs can be compared across invocations.
package results

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Run is one completed benchmark run.
type Run struct {
	ID          string
	Scenario    string
	StartedAt   time.Time
	Duration    time.Duration
	RowsWritten int64
	WriteErrors int64
	CPUMean     float64
	CPUPeak     float64
	RSSMeanMB   float64
	RSSPeakMB   float64
	Divergence  string // empty when the log check passed or was skipped
}

// Store wraps the SQLite run-history database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and if needed initializes) the store at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening results db: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "results").Logger(),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			scenario TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			duration_ms INTEGER NOT NULL,
			rows_written INTEGER NOT NULL,
			write_errors INTEGER NOT NULL,
			cpu_mean REAL NOT NULL,
			cpu_peak REAL NOT NULL,
			rss_mean_mb REAL NOT NULL,
			rss_peak_mb REAL NOT NULL,
			divergence TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating runs table: %w", err)
	}
	return nil
}

// Save inserts a run, assigning it an ID if it has none, and returns the ID.
func (s *Store) Save(run *Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (id, scenario, started_at, duration_ms, rows_written,
			write_errors, cpu_mean, cpu_peak, rss_mean_mb, rss_peak_mb, divergence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Scenario, run.StartedAt.UTC(), run.Duration.Milliseconds(),
		run.RowsWritten, run.WriteErrors, run.CPUMean, run.CPUPeak,
		run.RSSMeanMB, run.RSSPeakMB, run.Divergence,
	)
	if err != nil {
		return "", fmt.Errorf("saving run: %w", err)
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("scenario", run.Scenario).
		Int64("rows", run.RowsWritten).
		Msg("Run recorded")
	return run.ID, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, scenario, started_at, duration_ms, rows_written, write_errors,
			cpu_mean, cpu_peak, rss_mean_mb, rss_peak_mb, divergence
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			durationMS int64
		)
		if err := rows.Scan(&r.ID, &r.Scenario, &r.StartedAt, &durationMS,
			&r.RowsWritten, &r.WriteErrors, &r.CPUMean, &r.CPUPeak,
			&r.RSSMeanMB, &r.RSSPeakMB, &r.Divergence); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
