package collector

// Derived rate field names produced for counter sets with DerivedRates set.
const (
	AvgRows = "avg_rows"
	AvgTime = "avg_time"
)

// CounterSet describes one statistics pipeline: where the counters come
// from, how entities are keyed and which counters are tracked.
type CounterSet struct {
	Name      string   // short pipeline name used in logs and metrics
	View      string   // statistics view, e.g. pg_stat_statements
	KeyColumn string   // entity key column, also the document key field
	Counters  []string // cumulative counters, in column order
	OrderBy   string   // counter to sort by descending; empty keeps view order

	// DerivedRates adds avg_rows = rows/calls and avg_time = total_time/calls
	// to every record. Requires calls, rows and total_time in Counters.
	DerivedRates bool

	IndexPrefix    string // documents go to <IndexPrefix>-YYYY.MM.DD
	KeyIgnoreAbove int    // keyword sub-field limit for the key field
	SnapshotFile   string // snapshot file name inside the state directory
}

// QueryStatistics is the pg_stat_statements counter set.
func QueryStatistics() CounterSet {
	return CounterSet{
		Name:      "query",
		View:      "pg_stat_statements",
		KeyColumn: "query",
		Counters: []string{
			"calls",
			"total_time",
			"rows",
			"shared_blks_hit",
			"shared_blks_read",
			"shared_blks_dirtied",
			"shared_blks_written",
			"local_blks_hit",
			"local_blks_read",
			"local_blks_dirtied",
			"local_blks_written",
			"temp_blks_read",
			"temp_blks_written",
			"blk_read_time",
			"blk_write_time",
		},
		OrderBy:        "total_time",
		DerivedRates:   true,
		IndexPrefix:    "pg-query-statistics",
		KeyIgnoreAbove: 256,
		SnapshotFile:   "pg_query_statistics.json",
	}
}

// TableStatistics is the pg_stat_user_tables counter set.
func TableStatistics() CounterSet {
	return CounterSet{
		Name:      "table",
		View:      "pg_stat_user_tables",
		KeyColumn: "relname",
		Counters: []string{
			"seq_scan",
			"seq_tup_read",
			"idx_scan",
			"idx_tup_fetch",
			"n_tup_ins",
			"n_tup_upd",
			"n_tup_del",
			"n_tup_hot_upd",
			"n_live_tup",
			"n_dead_tup",
			"vacuum_count",
			"autovacuum_count",
			"analyze_count",
			"autoanalyze_count",
		},
		IndexPrefix:    "pg-user-table-statistics",
		KeyIgnoreAbove: 64,
		SnapshotFile:   "pg_user_table_statistics.json",
	}
}

// Fields returns every numeric document field of the set: the counters
// followed by the derived rates.
func (cs CounterSet) Fields() []string {
	fields := make([]string, 0, len(cs.Counters)+2)
	fields = append(fields, cs.Counters...)
	if cs.DerivedRates {
		fields = append(fields, AvgRows, AvgTime)
	}
	return fields
}
