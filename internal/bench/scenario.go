package bench

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/streamhouse/flowbench/internal/config"
	"github.com/streamhouse/flowbench/internal/sqlclient"
)

// Kind identifies a benchmark scenario.
type Kind string

const (
	// KindCreate ingests the source rows and exports them to parquet for the
	// other scenarios to COPY FROM.
	KindCreate Kind = "create"
	// KindBaseline loads the parquet file with no flow attached.
	KindBaseline Kind = "baseline"
	// KindFlow loads the parquet file with one or more count flows attached.
	KindFlow Kind = "flow"
	// KindFull runs baseline then flow in one invocation.
	KindFull Kind = "full"
)

// Scenario is a parsed scenario selector. Flows is 0 for the plain "flow"
// scenario (unsuffixed table names) and >0 for "flow_<n>".
type Scenario struct {
	Kind    Kind
	Flows   int
	Verbose bool
}

// ParseScenario parses a selector of the form create | baseline | flow |
// flow_<n>[_v] | full.
func ParseScenario(s string) (Scenario, error) {
	switch s {
	case "create":
		return Scenario{Kind: KindCreate}, nil
	case "baseline":
		return Scenario{Kind: KindBaseline}, nil
	case "flow":
		return Scenario{Kind: KindFlow}, nil
	case "full":
		return Scenario{Kind: KindFull}, nil
	}

	if rest, ok := strings.CutPrefix(s, "flow_"); ok {
		parts := strings.Split(rest, "_")
		n, err := strconv.Atoi(parts[0])
		if err != nil || n <= 0 {
			return Scenario{}, fmt.Errorf("bad flow count in scenario %q", s)
		}
		sc := Scenario{Kind: KindFlow, Flows: n}
		if len(parts) >= 2 && parts[1] == "v" {
			sc.Verbose = true
		}
		return sc, nil
	}

	return Scenario{}, fmt.Errorf("unknown scenario %q (want create, baseline, flow, flow_<n>[_v], full)", s)
}

// RunName is the name used for the run's log files.
func (s Scenario) RunName() string {
	switch s.Kind {
	case KindFlow:
		if s.Flows > 0 {
			name := fmt.Sprintf("flow_%d", s.Flows)
			if s.Verbose {
				name += "_v"
			}
			return name
		}
		return "flow"
	default:
		return string(s.Kind)
	}
}

// SetupStatements are issued after the database is ready and before data is
// loaded.
func (s Scenario) SetupStatements(cfg *config.Config) []string {
	table := cfg.Ingest.Table
	switch s.Kind {
	case KindCreate:
		// Line-protocol writes create the source table themselves
		return nil
	case KindBaseline:
		return []string{
			sqlclient.CreateSourceTable(table),
			sqlclient.CopyFrom(table, cfg.Bench.ParquetPath),
		}
	case KindFlow:
		stmts := []string{sqlclient.CreateSourceTable(table)}
		if s.Flows == 0 {
			stmts = append(stmts, sqlclient.CreateFlow("test_numbers", "out_num_cnt", table))
		} else {
			for i := 0; i < s.Flows; i++ {
				stmts = append(stmts, sqlclient.CreateFlow(sqlclient.FlowName(i), sqlclient.SinkTable(i), table))
			}
		}
		return append(stmts, sqlclient.CopyFrom(table, cfg.Bench.ParquetPath))
	default:
		return nil
	}
}

// ResultStatements are issued after the settle period to read the outcome.
func (s Scenario) ResultStatements(cfg *config.Config) []string {
	table := cfg.Ingest.Table
	switch s.Kind {
	case KindCreate:
		return []string{sqlclient.CopyTo(table, cfg.Bench.ParquetPath)}
	case KindBaseline:
		return []string{sqlclient.SelectCount(table)}
	case KindFlow:
		if s.Flows == 0 {
			return []string{sqlclient.SelectAll("out_num_cnt")}
		}
		if !s.Verbose {
			return nil
		}
		stmts := make([]string, 0, s.Flows)
		for i := 0; i < s.Flows; i++ {
			stmts = append(stmts, sqlclient.SelectAll(sqlclient.SinkTable(i)))
		}
		return stmts
	default:
		return nil
	}
}

// NeedsIngest reports whether the scenario writes rows over line protocol
// rather than loading them from parquet.
func (s Scenario) NeedsIngest() bool {
	return s.Kind == KindCreate
}
