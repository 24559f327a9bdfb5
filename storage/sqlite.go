package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"pgstats/collector"
)

// SQLite holds the snapshots of every pipeline in one database file.
type SQLite struct {
	path string
	log  *zap.Logger
	now  func() time.Time

	once sync.Once
	db   *sql.DB
	err  error
}

// NewSQLite returns the snapshot database at dbPath. The file is opened,
// created and migrated on first Load or Save, so nothing on disk is touched
// before the run lock is held.
// The caller must call Close() when the program shuts down.
func NewSQLite(dbPath string, log *zap.Logger) *SQLite {
	return &SQLite{path: dbPath, log: log, now: time.Now}
}

func (s *SQLite) open() (*sql.DB, error) {
	s.once.Do(func() {
		// The modernc.org driver is pure Go and works without CGO.
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", s.path)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			s.err = fmt.Errorf("open sqlite db: %w", err)
			return
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			s.err = fmt.Errorf("ping sqlite db: %w", err)
			return
		}
		s.db = db
		if err := s.migrate(); err != nil {
			_ = db.Close()
			s.db = nil
			s.err = fmt.Errorf("run migration: %w", err)
		}
	})
	return s.db, s.err
}

func (s *SQLite) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS snapshots (
    pipeline TEXT PRIMARY KEY,
    ts       REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
    pipeline TEXT NOT NULL,
    entity   TEXT NOT NULL,
    name     TEXT NOT NULL,
    value    REAL,
    PRIMARY KEY (pipeline, entity, name)
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create snapshot tables: %w", err)
	}
	s.log.Debug("SQLite migration applied")
	return nil
}

// Pipeline returns the Store for one pipeline's snapshot.
func (s *SQLite) Pipeline(name string) Store {
	return &sqlitePipeline{s: s, name: name}
}

// Close shuts down the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type sqlitePipeline struct {
	s    *SQLite
	name string
}

func (p *sqlitePipeline) Load(ctx context.Context) (*Snapshot, error) {
	db, err := p.s.open()
	if err != nil {
		return nil, err
	}

	var ts float64
	err = db.QueryRowContext(ctx,
		`SELECT ts FROM snapshots WHERE pipeline = ?`, p.name).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		p.s.log.Info("no previous snapshot, starting from empty baseline", zap.String("pipeline", p.name))
		return emptySnapshot(p.s.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot row for %s: %v", ErrMalformedSnapshot, p.name, err)
	}

	snap := collector.NewSnapshot(collector.FromEpochSeconds(ts))

	rows, err := db.QueryContext(ctx,
		`SELECT entity, name, value FROM counters WHERE pipeline = ?`, p.name)
	if err != nil {
		return nil, fmt.Errorf("query counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entity, name string
			value        sql.NullFloat64
		)
		if err := rows.Scan(&entity, &name, &value); err != nil {
			return nil, fmt.Errorf("%w: scan counter: %v", ErrMalformedSnapshot, err)
		}
		counters, ok := snap.Entities[entity]
		if !ok {
			counters = collector.Counters{}
			snap.Entities[entity] = counters
		}
		if value.Valid {
			counters[name] = collector.Float(value.Float64)
		} else {
			counters[name] = nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counters: %w", err)
	}
	return snap, nil
}

// Save stores a snapshot in a single transaction.
func (p *sqlitePipeline) Save(ctx context.Context, snap *Snapshot) error {
	db, err := p.s.open()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE pipeline = ?`, p.name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear counters: %w", err)
	}
	ts := collector.EpochSeconds(snap.Timestamp)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (pipeline, ts) VALUES (?, ?)
		 ON CONFLICT(pipeline) DO UPDATE SET ts = excluded.ts`, p.name, ts); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO counters (pipeline, entity, name, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for entity, counters := range snap.Entities {
		for name, v := range counters {
			var value any
			if v != nil {
				value = *v
			}
			if _, err := stmt.ExecContext(ctx, p.name, entity, name, value); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("exec insert for %s/%s: %w", entity, name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	p.s.log.Debug("snapshot persisted",
		zap.String("pipeline", p.name),
		zap.Time("ts", snap.Timestamp),
		zap.Int("entities", len(snap.Entities)))
	return nil
}
