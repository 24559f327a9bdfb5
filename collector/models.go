package collector

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// TimestampKey is the reserved top-level key holding the capture time in a
// serialized snapshot. An entity with this exact key cannot be persisted.
const TimestampKey = "timestamp"

// Counters maps a counter name to its cumulative value. A nil value means
// the database reported NULL for that counter.
type Counters map[string]*float64

// Snapshot is the full set of cumulative counter values captured at one
// point in time. It is the baseline for the next run's delta computation.
type Snapshot struct {
	Timestamp time.Time           // when the counters were read
	Entities  map[string]Counters // key = query text or table name
}

// NewSnapshot creates an empty snapshot with the supplied time.
func NewSnapshot(ts time.Time) *Snapshot {
	return &Snapshot{
		Timestamp: ts,
		Entities:  make(map[string]Counters),
	}
}

// MarshalJSON writes the flat on-disk layout:
//
//	{"timestamp": 1709600000.5, "<entity>": {"<counter>": 12, "<other>": null}}
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Entities)+1)
	for key, counters := range s.Entities {
		if key == TimestampKey {
			continue
		}
		out[key] = counters
	}
	out[TimestampKey] = EpochSeconds(s.Timestamp)
	return json.Marshal(out)
}

// UnmarshalJSON parses the layout written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("snapshot is not a JSON object")
	}

	snap := NewSnapshot(time.Time{})
	for key, msg := range raw {
		if key == TimestampKey {
			var sec float64
			if err := json.Unmarshal(msg, &sec); err != nil {
				return fmt.Errorf("decode %s: %w", TimestampKey, err)
			}
			snap.Timestamp = FromEpochSeconds(sec)
			continue
		}
		var counters Counters
		if err := json.Unmarshal(msg, &counters); err != nil {
			return fmt.Errorf("decode entity %q: %w", key, err)
		}
		if counters == nil {
			counters = Counters{}
		}
		snap.Entities[key] = counters
	}
	*s = *snap
	return nil
}

// Row is one entity as read from a statistics view: the entity key plus the
// current cumulative counter values.
type Row struct {
	Key      string
	Counters Counters
}

// Record is the per-entity interval document published for one run.
type Record struct {
	KeyField  string             // "query" or "relname"
	Key       string             // entity key value
	Deltas    map[string]float64 // counter name -> non-negative delta
	Derived   map[string]float64 // avg_rows / avg_time, query statistics only
	Timestamp time.Time          // run timestamp
}

// Document flattens the record into the field layout of the index mapping.
// The timestamp is written as a string of whole epoch seconds.
func (r Record) Document() map[string]any {
	doc := make(map[string]any, len(r.Deltas)+len(r.Derived)+2)
	doc[TimestampKey] = strconv.FormatInt(r.Timestamp.Unix(), 10)
	doc[r.KeyField] = r.Key
	for name, v := range r.Deltas {
		doc[name] = v
	}
	for name, v := range r.Derived {
		doc[name] = v
	}
	return doc
}

// MarshalJSON implements json.Marshaler using Document.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Document())
}

// EpochSeconds converts t to fractional Unix seconds, the timestamp form
// persisted with snapshots.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// FromEpochSeconds is the inverse of EpochSeconds.
func FromEpochSeconds(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// Float returns a pointer to v. Used to build Counters literals.
func Float(v float64) *float64 {
	return &v
}
