// Package ingest generates the benchmark's source rows and writes them to the
// target over the InfluxDB line protocol.
package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config controls row generation and transport.
type Config struct {
	Table       string // Measurement rows are written to
	Total       int    // Total rows to write
	Speed       int    // Rows enqueued per second; 0 disables pacing
	PerRequest  int    // Rows per HTTP request
	Workers     int    // Concurrent senders
	Compression string // none, gzip, zstd
	ZstdLevel   int
	BaseTS      int64 // Epoch ms timestamp of row 0; row i gets BaseTS+i
}

// Stats summarizes one completed write run.
type Stats struct {
	Rows     int64
	Errors   int64
	Duration time.Duration
	P50Ms    float64
	P95Ms    float64
	P99Ms    float64
}

// Writer drives paced line-protocol writes against the target's HTTP API.
type Writer struct {
	cfg      Config
	endpoint string
	client   *http.Client
	zstdEnc  *zstd.Encoder
	logger   zerolog.Logger

	written atomic.Int64
	errors  atomic.Int64
	// Per-worker latency slices, merged only when the run finishes
	workerLatencies [][]float64
}

// NewWriter creates a Writer posting to baseURL's line-protocol endpoint.
func NewWriter(baseURL, database string, cfg Config, logger zerolog.Logger) (*Writer, error) {
	if cfg.PerRequest <= 0 {
		return nil, fmt.Errorf("rows per request must be positive, got %d", cfg.PerRequest)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	w := &Writer{
		cfg: cfg,
		endpoint: fmt.Sprintf("%s/v1/influxdb/write?db=%s&precision=ms",
			strings.TrimRight(baseURL, "/"), url.QueryEscape(database)),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With().Str("component", "ingest").Logger(),
	}

	switch cfg.Compression {
	case "", "none", "gzip":
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.ZstdLevel)))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		w.zstdEnc = enc
	default:
		return nil, fmt.Errorf("unknown compression %q", cfg.Compression)
	}

	return w, nil
}

// Run writes cfg.Total rows and returns the aggregate stats. Request failures
// are counted and logged but do not abort the run; only context cancellation
// stops it early.
func (w *Writer) Run(ctx context.Context) (*Stats, error) {
	start := time.Now()
	w.written.Store(0)
	w.errors.Store(0)
	w.workerLatencies = make([][]float64, w.cfg.Workers)
	for i := range w.workerLatencies {
		w.workerLatencies[i] = make([]float64, 0, 1024)
	}

	starts := make(chan int)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			for s := range starts {
				if err := w.send(ctx, id, s); err != nil {
					return err
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(starts)
		batchesPerTick := 0
		if w.cfg.Speed > 0 {
			batchesPerTick = w.cfg.Speed / w.cfg.PerRequest
			if batchesPerTick < 1 {
				batchesPerTick = 1
			}
		}

		enqueued := 0
		tickStart := time.Now()
		for s := 0; s < w.cfg.Total; s += w.cfg.PerRequest {
			select {
			case starts <- s:
			case <-ctx.Done():
				return ctx.Err()
			}
			enqueued++

			last := s+w.cfg.PerRequest >= w.cfg.Total
			if batchesPerTick > 0 && enqueued%batchesPerTick == 0 && !last {
				w.logger.Info().Int64("written", w.written.Load()).Msg("Write progress")
				if d := time.Second - time.Since(tickStart); d > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(d):
					}
				}
				tickStart = time.Now()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Stats{
		Rows:     w.written.Load(),
		Errors:   w.errors.Load(),
		Duration: time.Since(start),
		P50Ms:    w.percentile(0.50),
		P95Ms:    w.percentile(0.95),
		P99Ms:    w.percentile(0.99),
	}
	w.logger.Info().
		Int64("rows", stats.Rows).
		Int64("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Float64("p99_ms", stats.P99Ms).
		Msg("Write run finished")
	return stats, nil
}

// Written reports the rows successfully written so far.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// send builds and posts the batch of rows [start, start+n).
func (w *Writer) send(ctx context.Context, workerID, start int) error {
	n := w.cfg.PerRequest
	if remaining := w.cfg.Total - start; remaining < n {
		n = remaining
	}

	payload, err := w.encode(Batch(w.cfg.Table, start, n, w.cfg.BaseTS))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	switch w.cfg.Compression {
	case "gzip":
		req.Header.Set("Content-Encoding", "gzip")
	case "zstd":
		req.Header.Set("Content-Encoding", "zstd")
	}

	reqStart := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.errors.Add(1)
		w.logger.Warn().Err(err).Int("start", start).Msg("Write request failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		w.errors.Add(1)
		w.logger.Warn().
			Int("status", resp.StatusCode).
			Int("start", start).
			Str("body", string(body)).
			Msg("Write rejected")
		return nil
	}

	w.written.Add(int64(n))
	w.workerLatencies[workerID] = append(w.workerLatencies[workerID],
		float64(time.Since(reqStart).Microseconds())/1000.0)
	return nil
}

func (w *Writer) encode(data []byte) ([]byte, error) {
	switch w.cfg.Compression {
	case "gzip":
		var buf bytes.Buffer
		gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, err
		}
		if _, err := gz.Write(data); err != nil {
			return nil, err
		}
		if err := gz.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		return w.zstdEnc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

// percentile merges all worker latencies and returns the p-th percentile in
// milliseconds.
func (w *Writer) percentile(p float64) float64 {
	var total int
	for _, wl := range w.workerLatencies {
		total += len(wl)
	}
	if total == 0 {
		return 0
	}

	all := make([]float64, 0, total)
	for _, wl := range w.workerLatencies {
		all = append(all, wl...)
	}
	sort.Float64s(all)

	idx := int(float64(len(all)) * p)
	if idx >= len(all) {
		idx = len(all) - 1
	}
	return all[idx]
}

// Batch renders rows [start, start+n) as line protocol. Row i carries the
// value i and the timestamp base+i in milliseconds.
func Batch(table string, start, n int, base int64) []byte {
	var buf bytes.Buffer
	for i := start; i < start+n; i++ {
		fmt.Fprintf(&buf, "%s, number=%di %d\n", table, i, base+int64(i))
	}
	return buf.Bytes()
}
