package ingest

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch(t *testing.T) {
	got := string(Batch("numbers_input", 3, 2, 1716446904527))

	want := "numbers_input, number=3i 1716446904530\n" +
		"numbers_input, number=4i 1716446904531\n"
	assert.Equal(t, want, got)
}

func TestBatch_Empty(t *testing.T) {
	assert.Empty(t, Batch("numbers_input", 0, 0, 0))
}

func TestWriter_Run(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/influxdb/write", r.URL.Path)
		assert.Equal(t, "public", r.URL.Query().Get("db"))
		assert.Equal(t, "ms", r.URL.Query().Get("precision"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		for _, l := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			lines = append(lines, l)
		}
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWriter(srv.URL, "public", Config{
		Table:      "numbers_input",
		Total:      2500,
		PerRequest: 1000,
		Workers:    4,
		BaseTS:     1716446904527,
	}, zerolog.Nop())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2500), stats.Rows)
	assert.Equal(t, int64(0), stats.Errors)
	assert.Equal(t, int64(2500), w.Written())
	assert.Len(t, lines, 2500)
	assert.GreaterOrEqual(t, stats.P99Ms, stats.P50Ms)
}

func TestWriter_RunGzip(t *testing.T) {
	var rows atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		rows.Add(int64(len(strings.Split(strings.TrimSpace(string(body)), "\n"))))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWriter(srv.URL, "public", Config{
		Table:       "numbers_input",
		Total:       100,
		PerRequest:  50,
		Workers:     2,
		Compression: "gzip",
	}, zerolog.Nop())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.Rows)
	assert.Equal(t, int64(100), rows.Load())
}

func TestWriter_RunZstd(t *testing.T) {
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()

	var rows atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "zstd", r.Header.Get("Content-Encoding"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		plain, err := dec.DecodeAll(body, nil)
		require.NoError(t, err)
		rows.Add(int64(len(strings.Split(strings.TrimSpace(string(plain)), "\n"))))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWriter(srv.URL, "public", Config{
		Table:       "numbers_input",
		Total:       100,
		PerRequest:  25,
		Workers:     1,
		Compression: "zstd",
		ZstdLevel:   3,
	}, zerolog.Nop())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.Rows)
	assert.Equal(t, int64(100), rows.Load())
}

func TestWriter_CountsRejectedBatches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		if calls.Add(1)%2 == 0 {
			http.Error(w, "write stall", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWriter(srv.URL, "public", Config{
		Table:      "numbers_input",
		Total:      400,
		PerRequest: 100,
		Workers:    1,
	}, zerolog.Nop())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.Rows)
	assert.Equal(t, int64(2), stats.Errors)
}

func TestWriter_ShortFinalBatch(t *testing.T) {
	var rows atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rows.Add(int64(len(strings.Split(strings.TrimSpace(string(body)), "\n"))))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w, err := NewWriter(srv.URL, "public", Config{
		Table:      "numbers_input",
		Total:      130,
		PerRequest: 50,
		Workers:    1,
	}, zerolog.Nop())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(130), stats.Rows)
	assert.Equal(t, int64(130), rows.Load())
}

func TestWriter_PacedRunCompletes(t *testing.T) {
	var rows atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rows.Add(int64(len(strings.Split(strings.TrimSpace(string(body)), "\n"))))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// Speed covers the whole run in one tick, so pacing never sleeps
	w, err := NewWriter(srv.URL, "public", Config{
		Table:      "numbers_input",
		Total:      200,
		Speed:      200,
		PerRequest: 50,
		Workers:    2,
	}, zerolog.Nop())
	require.NoError(t, err)

	stats, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(200), stats.Rows)
	assert.Equal(t, int64(200), rows.Load())
}

func TestNewWriter_Validation(t *testing.T) {
	_, err := NewWriter("http://localhost:4000", "public", Config{PerRequest: 0}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewWriter("http://localhost:4000", "public", Config{PerRequest: 10, Compression: "lz4"}, zerolog.Nop())
	assert.Error(t, err)
}
