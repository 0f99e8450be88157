package sqlclient

import "fmt"

// Statement builders for the flow benchmark schema. The source table carries a
// single Int64 column plus the time index; each flow counts its rows into a
// sink table.

// CreateSourceTable returns the DDL for the benchmark's source table.
func CreateSourceTable(table string) string {
	return fmt.Sprintf(`CREATE TABLE %s (
    number Int64,
    ts TimestampNanosecond,
    TIME INDEX(ts)
);`, table)
}

// CreateFlow returns the DDL creating a continuous count over the source
// table, sinking into sink.
func CreateFlow(name, sink, source string) string {
	return fmt.Sprintf(`CREATE FLOW %s
SINK TO %s
AS
select count(number) from %s;`, name, sink, source)
}

// FlowName returns the name of the i-th benchmark flow.
func FlowName(i int) string {
	return fmt.Sprintf("test_numbers_%d", i)
}

// SinkTable returns the sink table of the i-th benchmark flow.
func SinkTable(i int) string {
	return fmt.Sprintf("out_num_cnt_%d", i)
}

// CopyTo returns a COPY statement exporting table to a parquet file.
func CopyTo(table, path string) string {
	return fmt.Sprintf(`COPY %s TO
"%s"
WITH (format = 'parquet');`, table, path)
}

// CopyFrom returns a COPY statement loading table from a parquet file.
func CopyFrom(table, path string) string {
	return fmt.Sprintf(`COPY %s FROM
"%s"
WITH (format = 'parquet');`, table, path)
}

// SelectAll reads every row of table.
func SelectAll(table string) string {
	return fmt.Sprintf("select * from %s;", table)
}

// SelectCount counts the rows of table.
func SelectCount(table string) string {
	return fmt.Sprintf("select count(number) from %s;", table)
}
