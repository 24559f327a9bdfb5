package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"pgstats/collector"
)

// JSONFile keeps a snapshot as a single indented JSON document.
type JSONFile struct {
	Path string
	Log  *zap.Logger
	Now  func() time.Time // injected for testability (nil -> time.Now)
}

// NewJSONFile returns a store bound to path.
func NewJSONFile(path string, log *zap.Logger) *JSONFile {
	return &JSONFile{Path: path, Log: log, Now: time.Now}
}

// Load implements Store.
func (f *JSONFile) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		f.Log.Info("no previous snapshot, starting from empty baseline", zap.String("path", f.Path))
		return emptySnapshot(f.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", f.Path, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSnapshot, f.Path, err)
	}
	f.Log.Debug("snapshot loaded",
		zap.String("path", f.Path),
		zap.Time("ts", snap.Timestamp),
		zap.Int("entities", len(snap.Entities)))
	return &snap, nil
}

// Save implements Store. The document is written to a temporary file in the
// same directory, synced and renamed over the previous one.
func (f *JSONFile) Save(_ context.Context, snap *Snapshot) error {
	if _, ok := snap.Entities[collector.TimestampKey]; ok {
		f.Log.Warn("entity key collides with the snapshot timestamp field, not persisted",
			zap.String("entity", collector.TimestampKey))
	}

	data, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }() // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpPath, f.Path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	f.Log.Debug("snapshot persisted",
		zap.String("path", f.Path),
		zap.Time("ts", snap.Timestamp),
		zap.Int("entities", len(snap.Entities)))
	return nil
}

func (f *JSONFile) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}
