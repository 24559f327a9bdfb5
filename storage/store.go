package storage

import (
	"context"
	"errors"
	"time"

	"pgstats/collector"
)

// ErrMalformedSnapshot is returned by Load when persisted state exists but
// cannot be decoded. The run must not continue with a guessed baseline.
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// DefaultLookback is how far back the timestamp of an empty snapshot lies.
const DefaultLookback = 60 * time.Second

// Store abstracts a persistence back-end for the counter snapshot of one
// pipeline.
type Store interface {
	// Load returns the last saved snapshot. When nothing was saved yet it
	// returns an empty snapshot stamped DefaultLookback before now.
	Load(ctx context.Context) (*Snapshot, error)

	// Save replaces the stored snapshot. The implementation must guarantee
	// that a crash leaves either the old or the new snapshot, never a mix.
	Save(ctx context.Context, snap *Snapshot) error
}

// Snapshot is re-exported here so callers do not need to import
// the collector package just to call Store.Save().
type Snapshot = collector.Snapshot

func emptySnapshot(now time.Time) *Snapshot {
	return collector.NewSnapshot(now.Add(-DefaultLookback))
}
