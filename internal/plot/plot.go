// Package plot renders baseline-vs-flow resource comparisons as terminal
// charts.
package plot

import (
	"fmt"
	"strings"

	"github.com/guptarohit/asciigraph"

	"github.com/streamhouse/flowbench/internal/pidstat"
)

// Options controls chart geometry.
type Options struct {
	Height    int
	Width     int
	Precision uint
}

// DefaultOptions fits a typical terminal.
var DefaultOptions = Options{Height: 12, Width: 100, Precision: 1}

// noSamples is returned instead of a chart when a monitor log held no data
// rows, e.g. when pidstat was killed before its first sample. asciigraph
// panics on empty series, so they must never reach it.
const noSamples = "no samples to plot"

// Comparison renders two charts from baseline and flow monitor logs: CPU%
// over time and RSS (MB) over time, each with baseline, flow, and flow-minus-
// baseline series. Series are truncated to the shorter run so the diff lines
// up sample for sample.
func Comparison(baseline, flow *pidstat.Usage, opts Options) string {
	if empty(baseline) || empty(flow) {
		return noSamples
	}

	var b strings.Builder

	b.WriteString(renderThree(baseline.CPU, flow.CPU, opts, "CPU (%), 1s samples"))
	b.WriteString("\n\n")
	b.WriteString(renderThree(baseline.RSS, flow.RSS, opts, "Memory RSS (MB), 1s samples"))
	b.WriteString("\n\nseries: baseline, flow, diff (flow - baseline)\n")
	return b.String()
}

// Single renders one run's CPU and RSS without a baseline to diff against.
func Single(usage *pidstat.Usage, opts Options) string {
	if empty(usage) {
		return noSamples
	}

	var b strings.Builder
	b.WriteString(render([][]float64{usage.CPU}, opts, "CPU (%), 1s samples"))
	b.WriteString("\n\n")
	b.WriteString(render([][]float64{usage.RSS}, opts, "Memory RSS (MB), 1s samples"))
	b.WriteString("\n")
	return b.String()
}

// Summary formats mean/peak figures for a run report line.
func Summary(usage *pidstat.Usage) string {
	return fmt.Sprintf("cpu mean %.1f%% peak %.1f%%, rss mean %.1fMB peak %.1fMB",
		pidstat.Mean(usage.CPU), pidstat.Peak(usage.CPU),
		pidstat.Mean(usage.RSS), pidstat.Peak(usage.RSS))
}

func empty(u *pidstat.Usage) bool {
	return u == nil || len(u.CPU) == 0 || len(u.RSS) == 0
}

// Diff returns a[i] - b[i] over the shorter of the two series.
func Diff(a, b []float64) []float64 {
	n := min(len(a), len(b))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] - b[i]
	}
	return out
}

func renderThree(baseline, flow []float64, opts Options, caption string) string {
	n := min(len(baseline), len(flow))
	series := [][]float64{baseline[:n], flow[:n], Diff(flow, baseline)}
	return render(series, opts, caption)
}

func render(series [][]float64, opts Options, caption string) string {
	graphOpts := []asciigraph.Option{
		asciigraph.Height(opts.Height),
		asciigraph.Width(opts.Width),
		asciigraph.Precision(opts.Precision),
		asciigraph.Caption(caption),
	}
	return asciigraph.PlotMany(series, graphOpts...)
}
