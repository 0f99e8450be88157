// Package logcheck verifies flow row-count consistency from a database debug log.
//
// The flow engine logs two recurring markers: a "send" line each time the
// source operator forwards a batch of rows, and an "output" line each time the
// reduce operator emits its current aggregate. For a count aggregate over a
// single source, the running sum of sent rows must equal every reported
// output. The checker folds over the log once and reports the first line where
// the two disagree.
package logcheck

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// Default marker patterns, matching the flow engine's debug output.
const (
	defaultSendMarker   = "flow::compute::render::src_sink: Rendered Source All send:"
	defaultOutputMarker = "Reduce Accum Subgraph send: [(Row { inner: [Int64("
)

var (
	defaultSendPattern   = regexp.MustCompile(`Rendered Source All send: (\d+) rows`)
	defaultOutputPattern = regexp.MustCompile(`Reduce Accum Subgraph send: \[\(Row { inner: \[Int64\((\d+)\)`)
)

// Divergence records the first point where the accumulated sent-row count no
// longer matches the output reported by the flow. Line is the 0-indexed
// position of the output line in the scanned sequence.
type Divergence struct {
	Line   int
	Sent   int64
	Output int64
}

func (d *Divergence) String() string {
	return fmt.Sprintf("line %d: accumulated sent %d, reported output %d", d.Line, d.Sent, d.Output)
}

// ParseError indicates a line carried a marker substring but the embedded
// integer could not be extracted. The log format has changed or the log is
// corrupt; the scan cannot continue.
type ParseError struct {
	Line   int
	Marker string
	Text   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s marker present but row count not parseable: %q", e.Line, e.Marker, e.Text)
}

// Checker scans a log once, accumulating sent-row counts and comparing them
// against reported outputs. A Checker holds no state between scans and is safe
// to reuse, but a single scan consumes its input exactly once.
type Checker struct {
	sendMarker    string
	outputMarker  string
	sendPattern   *regexp.Regexp
	outputPattern *regexp.Regexp
}

// Option customizes a Checker.
type Option func(*Checker)

// WithSendMarker overrides the "send" marker substring and its extraction
// pattern. The pattern must have the row count as its first capture group.
func WithSendMarker(marker string, pattern *regexp.Regexp) Option {
	return func(c *Checker) {
		c.sendMarker = marker
		c.sendPattern = pattern
	}
}

// WithOutputMarker overrides the "output" marker substring and its extraction
// pattern. The pattern must have the output value as its first capture group.
func WithOutputMarker(marker string, pattern *regexp.Regexp) Option {
	return func(c *Checker) {
		c.outputMarker = marker
		c.outputPattern = pattern
	}
}

// New creates a Checker with the flow engine's default marker patterns.
func New(opts ...Option) *Checker {
	c := &Checker{
		sendMarker:    defaultSendMarker,
		outputMarker:  defaultOutputMarker,
		sendPattern:   defaultSendPattern,
		outputPattern: defaultOutputPattern,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scan reads r line by line and returns the first Divergence found, or nil if
// the log is consistent. A marker line whose integer cannot be extracted
// aborts the scan with a *ParseError.
func (c *Checker) Scan(r io.Reader) (*Divergence, error) {
	var (
		accumulatedSent int64
		reportedOutput  int64
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		text := scanner.Text()
		switch {
		case strings.Contains(text, c.sendMarker):
			n, err := c.extract(c.sendPattern, text, line, "send")
			if err != nil {
				return nil, err
			}
			accumulatedSent += n

		case strings.Contains(text, c.outputMarker):
			n, err := c.extract(c.outputPattern, text, line, "output")
			if err != nil {
				return nil, err
			}
			reportedOutput = n
			if accumulatedSent != reportedOutput {
				return &Divergence{Line: line, Sent: accumulatedSent, Output: reportedOutput}, nil
			}
		}
		line++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return nil, nil
}

// ScanLines is Scan for callers that already hold the log in memory.
func (c *Checker) ScanLines(lines []string) (*Divergence, error) {
	return c.Scan(strings.NewReader(strings.Join(lines, "\n")))
}

func (c *Checker) extract(pattern *regexp.Regexp, text string, line int, marker string) (int64, error) {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return 0, &ParseError{Line: line, Marker: marker, Text: text}
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		// \d+ matched but overflows int64
		return 0, &ParseError{Line: line, Marker: marker, Text: text}
	}
	return n, nil
}
