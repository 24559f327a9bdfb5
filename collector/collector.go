package collector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pgstats/logger"
)

// Source is the contract any counter source must satisfy.
type Source interface {
	// Fetch reads the current cumulative counters of the set, one row per
	// entity, in the order the source reports them.
	Fetch(ctx context.Context, set CounterSet) ([]Row, error)
}

// Result is the outcome of one calculation: the interval records to publish
// and the snapshot to persist as the next baseline.
type Result struct {
	Records  []Record
	Snapshot *Snapshot
}

// Calculator turns cumulative counters into interval deltas for a single
// counter set.
type Calculator struct {
	Set    CounterSet
	Source Source
	Log    *zap.Logger
}

// NewCalculator returns a ready-to-use calculator.
func NewCalculator(set CounterSet, src Source, log *zap.Logger) *Calculator {
	return &Calculator{
		Set:    set,
		Source: src,
		Log:    log.With(zap.String("pipeline", set.Name)),
	}
}

// Calculate fetches the current counters and diffs them against prev. A nil
// prev is an empty baseline. Source errors are wrapped so the caller can
// classify them. A logger stored in ctx takes precedence over c.Log.
func (c *Calculator) Calculate(ctx context.Context, prev *Snapshot, now time.Time) (*Result, error) {
	if prev == nil {
		prev = NewSnapshot(now)
	}
	rows, err := c.Source.Fetch(ctx, c.Set)
	if err != nil {
		return nil, fmt.Errorf("fetch %s counters: %w", c.Set.View, err)
	}
	records, next := Diff(c.Set, prev, rows, now)
	logger.FromContext(ctx, c.Log).Debug("deltas calculated",
		zap.Int("rows", len(rows)),
		zap.Int("records", len(records)),
		zap.Int("previous_entities", len(prev.Entities)),
		zap.Duration("interval", now.Sub(prev.Timestamp)))
	return &Result{Records: records, Snapshot: next}, nil
}

// Diff computes one record per entity and the next snapshot.
//
// For every counter the delta is max(0, current - previous) when the entity
// and a non-null previous value exist, otherwise 0. A null current value
// counts as 0 in the delta but is kept as null in the returned snapshot.
// Rows sharing a key are summed first; record order follows first appearance.
func Diff(set CounterSet, prev *Snapshot, rows []Row, now time.Time) ([]Record, *Snapshot) {
	rows = aggregate(set, rows)
	next := NewSnapshot(now)
	records := make([]Record, 0, len(rows))

	for _, row := range rows {
		current := make(Counters, len(set.Counters))
		for _, name := range set.Counters {
			current[name] = row.Counters[name]
		}
		next.Entities[row.Key] = current

		var previous Counters
		if prev != nil {
			previous = prev.Entities[row.Key]
		}

		rec := Record{
			KeyField:  set.KeyColumn,
			Key:       row.Key,
			Deltas:    make(map[string]float64, len(set.Counters)),
			Timestamp: now,
		}
		for _, name := range set.Counters {
			rec.Deltas[name] = delta(current[name], previous[name])
		}
		if set.DerivedRates {
			rec.Derived = rates(current)
		}
		records = append(records, rec)
	}
	return records, next
}

func delta(current, previous *float64) float64 {
	if previous == nil {
		return 0
	}
	if v := value(current) - *previous; v > 0 {
		return v
	}
	return 0
}

// rates derives the per-call averages from the cumulative values.
func rates(current Counters) map[string]float64 {
	out := map[string]float64{AvgRows: 0, AvgTime: 0}
	calls := value(current["calls"])
	if calls <= 0 {
		return out
	}
	out[AvgRows] = value(current["rows"]) / calls
	out[AvgTime] = value(current["total_time"]) / calls
	return out
}

// aggregate sums rows that share a key. Nulls only survive when every
// contributing value is null.
func aggregate(set CounterSet, rows []Row) []Row {
	index := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		i, seen := index[row.Key]
		if !seen {
			index[row.Key] = len(out)
			out = append(out, row)
			continue
		}
		merged := make(Counters, len(set.Counters))
		for _, name := range set.Counters {
			merged[name] = sum(out[i].Counters[name], row.Counters[name])
		}
		out[i] = Row{Key: row.Key, Counters: merged}
	}
	return out
}

func sum(a, b *float64) *float64 {
	if a == nil && b == nil {
		return nil
	}
	return Float(value(a) + value(b))
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
