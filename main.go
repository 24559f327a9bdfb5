package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"pgstats/collector"
	"pgstats/config"
	"pgstats/lock"
	"pgstats/logger"
	"pgstats/pipeline"
	"pgstats/postgres"
	"pgstats/publisher"
	"pgstats/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%d]: Error loading config: %v\n", os.Getpid(), err)
		return 1
	}

	base, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[%d]: Error setting up logger: %v\n", os.Getpid(), err)
		return 1
	}
	log, _ := logger.WithRunID(base)
	defer logger.Flush(log)
	log.Logger.Info("Start " + config.AppName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log.Logger)

	pub, err := publisher.New(publisherConfig(cfg, log.Logger), log.Logger)
	if err != nil {
		log.Logger.Error("cannot set up elasticsearch client", zap.Error(err))
		return 1
	}

	query, table := collector.QueryStatistics(), collector.TableStatistics()
	var queryStore, tableStore storage.Store
	switch cfg.SnapshotBackend {
	case config.BackendSQLite:
		// opened lazily, once the run lock is held
		db := storage.NewSQLite(cfg.SQLitePath(), log.Logger)
		defer db.Close()
		queryStore, tableStore = db.Pipeline(query.Name), db.Pipeline(table.Name)
	default:
		queryStore = storage.NewJSONFile(cfg.SnapshotPath(query.SnapshotFile), log.Logger)
		tableStore = storage.NewJSONFile(cfg.SnapshotPath(table.SnapshotFile), log.Logger)
	}

	runner := &pipeline.Runner{
		Pipelines: []pipeline.Pipeline{
			{Set: query, Store: queryStore, Connect: connector(cfg, cfg.QueryDatabase)},
			{Set: table, Store: tableStore, Connect: connector(cfg, cfg.PGDatabase)},
		},
		Publisher: pub,
		LockPath:  cfg.LockPath(),
		LockOptions: lock.Options{
			Attempts: cfg.LockAttempts,
			Backoff:  cfg.LockBackoff,
		},
		MetricsTextfile: cfg.MetricsTextfile,
		Log:             log.Logger,
	}
	if err := runner.Run(ctx); err != nil {
		log.Logger.Error("run aborted", zap.Error(err))
		return pipeline.ExitCode(err)
	}

	log.Logger.Info("End " + config.AppName)
	return 0
}

// connector opens database on the configured server for one pipeline.
func connector(cfg *config.Config, database string) pipeline.Connector {
	return func(ctx context.Context) (collector.Source, func() error, error) {
		db, err := postgres.Open(ctx, cfg.PGConnValues(database))
		if err != nil {
			return nil, nil, err
		}
		return collector.NewSQLSource(db), db.Close, nil
	}
}

func publisherConfig(cfg *config.Config, log *zap.Logger) publisher.Config {
	pc := publisher.Config{
		Addresses:    []string{cfg.ESAddress()},
		Username:     cfg.ESUser,
		Password:     cfg.ESPassword,
		Shards:       cfg.ESShards,
		Replicas:     cfg.ESReplicas,
		DocumentType: cfg.ESDocumentType,
	}
	if cfg.ESScheme == "https" && cfg.ESCACert != "" {
		pem, err := os.ReadFile(cfg.ESCACert)
		if err != nil {
			log.Debug("CA bundle not readable, using system roots", zap.String("path", cfg.ESCACert), zap.Error(err))
		} else {
			pc.CACert = pem
		}
	}
	return pc
}
