// Package pidstat parses the output of `pidstat -r -u -h -p <pid> 1` into
// per-second resource samples. The monitor writes one of these logs per
// benchmark run; the plot and report stages read them back.
package pidstat

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Sample is one pidstat data row, keyed by the column names from the most
// recent header line.
type Sample map[string]string

// Usage holds the CPU and memory series extracted from a monitor log.
type Usage struct {
	CPU []float64 // %CPU per sample
	RSS []float64 // resident set size in MB per sample
}

// Parse reads a pidstat log. The "Linux ..." banner and blank lines are
// skipped; lines starting with "# " reset the column names (pidstat repeats
// the header periodically); every other line is a data row zipped against the
// current header.
func Parse(r io.Reader) ([]Sample, error) {
	var (
		columns []string
		samples []Sample
	)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		text := scanner.Text()
		line++

		if text == "" || strings.HasPrefix(text, "Linux") {
			continue
		}
		if strings.HasPrefix(text, "#") {
			columns = strings.Fields(text)[1:]
			continue
		}
		if columns == nil {
			return nil, fmt.Errorf("line %d: data row before any header", line)
		}

		fields := strings.Fields(text)
		if len(fields) < len(columns) {
			return nil, fmt.Errorf("line %d: %d fields, header has %d columns", line, len(fields), len(columns))
		}
		sample := make(Sample, len(columns))
		for i, name := range columns {
			sample[name] = fields[i]
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading pidstat log: %w", err)
	}
	return samples, nil
}

// ExtractUsage pulls the %CPU and RSS series out of parsed samples. RSS is
// reported by pidstat in KB and converted to MB here.
func ExtractUsage(samples []Sample) (*Usage, error) {
	u := &Usage{
		CPU: make([]float64, 0, len(samples)),
		RSS: make([]float64, 0, len(samples)),
	}
	for i, s := range samples {
		cpu, err := fieldFloat(s, "%CPU")
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		rss, err := fieldFloat(s, "RSS")
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		u.CPU = append(u.CPU, cpu)
		u.RSS = append(u.RSS, rss/1000.0)
	}
	return u, nil
}

// ParseUsage is Parse followed by ExtractUsage.
func ParseUsage(r io.Reader) (*Usage, error) {
	samples, err := Parse(r)
	if err != nil {
		return nil, err
	}
	return ExtractUsage(samples)
}

func fieldFloat(s Sample, name string) (float64, error) {
	raw, ok := s[name]
	if !ok {
		return 0, fmt.Errorf("missing %s column", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s value %q: %w", name, raw, err)
	}
	return v, nil
}

// Mean returns the arithmetic mean of vals, or 0 for an empty slice.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// Peak returns the maximum of vals, or 0 for an empty slice.
func Peak(vals []float64) float64 {
	var max float64
	for _, v := range vals {
		if v > max {
			max = v
		}
	}
	return max
}
