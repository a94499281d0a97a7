package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"searchsync/config"
	"searchsync/document"
	"searchsync/indexing"
	"searchsync/infrastructure"
	"searchsync/progress"
	"searchsync/queue"
	"searchsync/search"
	"searchsync/sqlsource"
)

// lockKey guards against two index runs at once.
const lockKey = "es:indexing"

var errLocked = errors.New("indexing operation currently running")

// app holds the wired components for one CLI invocation.
type app struct {
	cfg        *config.Config
	registry   *document.Registry
	index      *search.Index
	store      progress.Store
	logger     *progress.Logger
	indexer    *indexing.Indexer
	local      *queue.LocalQueue
	mongoQueue *queue.MongoQueue
	cleanups   []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: document.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	es, cleanup, err := infrastructure.NewElasticsearch(ctx, cfg.Elasticsearch)
	if err != nil {
		return err
	}
	a.cleanups = append(a.cleanups, cleanup)
	elastic := search.NewElastic(es, cfg.Elasticsearch.Timeout)

	if len(cfg.Indexables) > 0 {
		db, cleanup, err := infrastructure.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		a.cleanups = append(a.cleanups, cleanup)

		for _, tc := range cfg.Indexables {
			table, err := sqlsource.NewTable(db, tc)
			if err != nil {
				return err
			}
			a.registry.Register(table)
		}
	}

	if cfg.Progress.Store == "mongo" || cfg.Queue.Backend == "mongo" {
		_, mdb, cleanup, err := infrastructure.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return err
		}
		a.cleanups = append(a.cleanups, cleanup)

		if cfg.Progress.Store == "mongo" {
			ms := progress.NewMongoStore(mdb.Collection(cfg.Progress.Collection), cfg.Progress.TTL)
			if err := ms.EnsureIndexes(ctx); err != nil {
				return err
			}
			a.store = ms
		}
		if cfg.Queue.Backend == "mongo" {
			a.mongoQueue = queue.NewMongoQueue(mdb.Collection(cfg.Queue.Collection), cfg.Queue.MaxInterval)
			if err := a.mongoQueue.EnsureIndexes(ctx); err != nil {
				return err
			}
		}
	}
	if a.store == nil {
		if cfg.Queue.Backend == "mongo" {
			logrus.Warn("Queue workers run in other processes but progress is kept in memory; use progress.store=mongo")
		}
		a.store = progress.NewMemoryStore(0, cfg.Progress.TTL)
	}

	channels, err := a.channels()
	if err != nil {
		return err
	}
	a.logger = progress.NewLogger(a.store, cfg.Environment, channels...)

	opts := indexing.Options{Index: cfg.Index.Name, IncludeTypes: cfg.Elasticsearch.IncludeTypes}
	if a.mongoQueue != nil {
		opts.Queue = a.mongoQueue
	} else {
		a.local = queue.NewLocalQueue(cfg.Queue.Size)
		opts.Queue = a.local
	}
	a.indexer = indexing.NewIndexer(elastic, a.logger, a.registry, opts)
	if a.local != nil {
		a.local.Start(ctx, cfg.Queue.Workers, a.indexer.HandleJob)
	}

	a.index = search.NewIndex(elastic, search.Settings{Name: cfg.Index.Name, Settings: cfg.Index.Settings}, a.registry)
	return nil
}

func (a *app) channels() ([]progress.Channel, error) {
	channels := []progress.Channel{progress.NewConsoleChannel(logrus.StandardLogger())}

	if a.cfg.Progress.WebhookURL != "" {
		channels = append(channels, progress.NewWebhookChannel(a.cfg.Progress.WebhookURL, a.cfg.Progress.WebhookTimeout))
	}

	if a.cfg.Progress.Metrics {
		for _, c := range progress.Collectors() {
			if err := prometheus.Register(c); err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
		}
		srv := &http.Server{Addr: a.cfg.Progress.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Metrics server stopped")
			}
		}()
		a.cleanups = append(a.cleanups, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
		channels = append(channels, progress.NewMetricsChannel())
	}

	return channels, nil
}

// close drains the local queue, then releases connections in reverse order.
func (a *app) close() error {
	var err error
	if a.local != nil {
		err = multierr.Append(err, a.local.Close())
		a.local = nil
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
	return err
}

type indexOptions struct {
	ChunkSize  int
	Processes  int
	Indexables []string
	Queue      bool
}

// runIndex indexes every selected indexable under the global lock.
func (a *app) runIndex(ctx context.Context, opts indexOptions) error {
	indexables, err := a.registry.Select(opts.Indexables)
	if err != nil {
		return err
	}
	if len(indexables) == 0 {
		return errors.New("no indexables configured")
	}

	ok, err := a.store.Lock(ctx, lockKey, a.cfg.Indexing.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return errLocked
	}
	defer func() {
		if err := a.store.Delete(context.WithoutCancel(ctx), lockKey); err != nil {
			logrus.WithError(err).Warn("Could not release indexing lock")
		}
	}()

	dispatcher := indexing.NewDispatcher(a.indexer)
	for _, ix := range indexables {
		q, err := indexing.NewQuery(ctx, ix, opts.ChunkSize)
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"indexable": ix.Name(),
			"uuid":      q.UUID(),
			"chunks":    q.ChunkCount(),
			"processes": opts.Processes,
			"queue":     opts.Queue,
		}).Info("Dispatching indexing query")

		if err := dispatcher.Dispatch(ctx, q, indexing.DispatchOptions{Processes: opts.Processes, Queue: opts.Queue}); err != nil {
			return fmt.Errorf("index %s: %w", ix.Name(), err)
		}
	}
	return nil
}
