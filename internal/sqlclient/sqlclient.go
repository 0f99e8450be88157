// Package sqlclient issues SQL statements to the database under test. The
// primary path speaks the PostgreSQL wire protocol; an HTTP client covers
// servers with the pg port disabled.
package sqlclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Executor runs one SQL statement at a time against the target and returns a
// human-readable result for the run log.
type Executor interface {
	Exec(ctx context.Context, stmt string) (string, error)
	Close(ctx context.Context) error
}

// PGClient executes statements over the PostgreSQL wire protocol.
type PGClient struct {
	conn   *pgx.Conn
	logger zerolog.Logger
}

// NewPGClient connects to the target's pg port.
func NewPGClient(ctx context.Context, host string, port int, database string, logger zerolog.Logger) (*PGClient, error) {
	connString := fmt.Sprintf("postgres://%s:%d/%s?sslmode=disable", host, port, database)
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s:%d: %w", host, port, err)
	}
	return &PGClient{
		conn:   conn,
		logger: logger.With().Str("component", "sql-pg").Logger(),
	}, nil
}

// Exec runs stmt and returns the command tag, or the result rows for
// statements that produce them.
func (c *PGClient) Exec(ctx context.Context, stmt string) (string, error) {
	c.logger.Info().Str("sql", compact(stmt)).Msg("Executing SQL")

	rows, err := c.conn.Query(ctx, stmt)
	if err != nil {
		return "", fmt.Errorf("executing %q: %w", compact(stmt), err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return "", fmt.Errorf("reading result row: %w", err)
		}
		fields := make([]string, len(values))
		for i, v := range values {
			fields[i] = fmt.Sprint(v)
		}
		out = append(out, strings.Join(fields, " | "))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("executing %q: %w", compact(stmt), err)
	}

	result := rows.CommandTag().String()
	if len(out) > 0 {
		result = strings.Join(out, "\n")
	}
	c.logger.Debug().Str("result", result).Msg("SQL result")
	return result, nil
}

// Close closes the underlying connection.
func (c *PGClient) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// HTTPClient executes statements through the server's HTTP SQL endpoint.
type HTTPClient struct {
	baseURL  string
	database string
	client   *http.Client
	logger   zerolog.Logger
}

// NewHTTPClient creates an HTTP SQL client for baseURL (e.g.
// "http://127.0.0.1:4000").
func NewHTTPClient(baseURL, database string, logger zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		database: database,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger.With().Str("component", "sql-http").Logger(),
	}
}

// Exec posts stmt to /v1/sql and returns the response body.
func (c *HTTPClient) Exec(ctx context.Context, stmt string) (string, error) {
	c.logger.Info().Str("sql", compact(stmt)).Msg("Executing SQL")

	endpoint := fmt.Sprintf("%s/v1/sql?db=%s", c.baseURL, url.QueryEscape(c.database))
	form := url.Values{"sql": {stmt}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting SQL: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading SQL response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("SQL request failed: status %d: %s", resp.StatusCode, string(body))
	}

	c.logger.Debug().Str("result", string(body)).Msg("SQL result")
	return string(body), nil
}

// Close is a no-op; the HTTP client holds no connection state worth closing.
func (c *HTTPClient) Close(ctx context.Context) error {
	return nil
}

// compact collapses a multi-line statement for log output.
func compact(stmt string) string {
	return strings.Join(strings.Fields(stmt), " ")
}
