package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"pgstats/collector"
	"pgstats/lock"
	"pgstats/logger"
	"pgstats/postgres"
	"pgstats/publisher"
	"pgstats/runstats"
	"pgstats/storage"
)

// Connector opens the counter source of a pipeline. The returned close
// function is called once the counters have been read.
type Connector func(ctx context.Context) (collector.Source, func() error, error)

// Publisher is the part of publisher.Publisher a run needs.
type Publisher interface {
	Ping(ctx context.Context) error
	EnsureIndex(ctx context.Context, name string, set collector.CounterSet) error
	BulkWrite(ctx context.Context, index string, records []collector.Record) (publisher.Stats, error)
}

// Pipeline binds a counter set to its snapshot store and its database.
type Pipeline struct {
	Set     collector.CounterSet
	Store   storage.Store
	Connect Connector
}

// Runner executes every pipeline once under the host-wide lock.
type Runner struct {
	Pipelines []Pipeline
	Publisher Publisher

	LockPath        string
	LockOptions     lock.Options
	MetricsTextfile string

	Log *zap.Logger      // used when ctx carries no logger
	Now func() time.Time // injected for testability (nil -> time.Now)
}

// Run performs one full run. A nil error means every pipeline computed and
// persisted its deltas; publish failures are logged and do not fail the run.
//
// Fatal errors wrap lock.ErrLockHeld, postgres.ErrInvalidPassword,
// postgres.ErrDatabase or storage.ErrMalformedSnapshot. The lock file is
// removed only after a successful run. Nothing outside the lock file is
// touched before the lock is held.
func (r *Runner) Run(ctx context.Context) (err error) {
	log := logger.FromContext(ctx, r.Log)
	stats := runstats.New()
	start := r.now()
	stats.Started(start)
	defer func() {
		stats.Finished(r.now().Sub(start), err == nil)
		if werr := stats.WriteTextfile(r.MetricsTextfile); werr != nil {
			log.Warn("cannot write run metrics", zap.String("path", r.MetricsTextfile), zap.Error(werr))
		}
	}()

	l, err := lock.Acquire(r.LockPath, r.LockOptions, log)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			log.Error("Failed to detect another process running", zap.String("lock", r.LockPath))
		}
		return fmt.Errorf("acquire lock: %w", err)
	}

	if err := r.Publisher.Ping(ctx); err != nil {
		// publishing is best-effort; deltas are still computed and saved
		log.Error("elasticsearch connection failed", zap.Error(err))
	}

	for _, p := range r.Pipelines {
		plog := log.With(zap.String("pipeline", p.Set.Name))
		if err := r.runPipeline(logger.WithContext(ctx, plog), plog, p, stats); err != nil {
			l.Release()
			return err
		}
	}

	if err := l.Remove(); err != nil {
		log.Warn("cannot remove lock file", zap.Error(err))
	}
	return nil
}

func (r *Runner) runPipeline(ctx context.Context, log *zap.Logger, p Pipeline, stats *runstats.Stats) error {
	log.Info("Calculate PostgreSQL statistics", zap.String("view", p.Set.View))

	prev, err := p.Store.Load(ctx)
	if err != nil {
		log.Error("cannot load snapshot", zap.Error(err))
		return fmt.Errorf("%s: load snapshot: %w", p.Set.Name, err)
	}

	src, closeSource, err := p.Connect(ctx)
	if err != nil {
		return databaseFailure(log, p, postgres.Classify(err))
	}
	now := r.now()
	res, err := collector.NewCalculator(p.Set, src, log).Calculate(ctx, prev, now)
	if cerr := closeSource(); cerr != nil {
		log.Warn("closing database connection failed", zap.Error(cerr))
	}
	if err != nil {
		return databaseFailure(log, p, postgres.Classify(err))
	}
	stats.Calculated(p.Set.Name, len(res.Records))

	if err := p.Store.Save(ctx, res.Snapshot); err != nil {
		log.Error("cannot save snapshot", zap.Error(err))
		return fmt.Errorf("%s: save snapshot: %w", p.Set.Name, err)
	}

	failed, errs := r.publish(ctx, log, p.Set, now, res.Records)
	stats.Published(p.Set.Name, failed, errs)
	return nil
}

// publish is best-effort: errors are logged and counted, never returned.
func (r *Runner) publish(ctx context.Context, log *zap.Logger, set collector.CounterSet, now time.Time, records []collector.Record) (failed, errs int) {
	index := publisher.IndexName(set.IndexPrefix, now)
	log = log.With(zap.String("index", index))

	if err := r.Publisher.EnsureIndex(ctx, index, set); err != nil {
		errs++
		log.Error("cannot create index", zap.Error(err))
	}

	log.Info("Send PostgreSQL statistics", zap.Int("records", len(records)))
	st, err := r.Publisher.BulkWrite(ctx, index, records)
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			errs += len(merr.Errors)
		} else {
			errs++
		}
		log.Error("error in indexing data",
			zap.Int("indexed", st.Indexed),
			zap.Int("failed", st.Failed),
			zap.Error(err))
	}
	return st.Failed, errs
}

func databaseFailure(log *zap.Logger, p Pipeline, err error) error {
	if errors.Is(err, postgres.ErrInvalidPassword) {
		log.Error("invalid password")
	}
	log.Error("database failure", zap.Error(err))
	return fmt.Errorf("%s: %w", p.Set.Name, err)
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// ExitCode maps the result of Run to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	return 1
}
