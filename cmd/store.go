package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/deadletter"
	"github.com/mkc909/sales-marketing-sub003/internal/dispatcher"
	"github.com/mkc909/sales-marketing-sub003/internal/invoker"
	"github.com/mkc909/sales-marketing-sub003/internal/queue"
	"github.com/mkc909/sales-marketing-sub003/internal/ratelimit"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
	"github.com/mkc909/sales-marketing-sub003/internal/tracker"
)

// runtimeEnv bundles the components shared by the commands.
type runtimeEnv struct {
	Store   store.Store
	Queue   queue.Queue
	Limiter *ratelimit.Limiter
	Tracker *tracker.Tracker
	Sink    *deadletter.Sink
}

// Close releases the store connection.
func (e *runtimeEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initQueue builds the work queue on the same database as st.
func initQueue(st store.Store) (queue.Queue, error) {
	lease := time.Duration(cfg.Queue.LeaseSecs) * time.Second
	switch s := st.(type) {
	case *store.PostgresStore:
		return queue.NewPostgresQueue(s.Pool(), lease), nil
	case *store.SQLiteStore:
		return queue.NewSQLiteQueue(s.DB(), lease), nil
	default:
		return nil, eris.Errorf("no queue backend for store %T", st)
	}
}

// initEnv opens the store and wires the queue, limiter, tracker and
// dead-letter sink on top of it.
func initEnv(ctx context.Context) (*runtimeEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}

	q, err := initQueue(st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var rlStore store.RateLimitStore = st
	if cfg.RateLimit.Backend == "memory" {
		rlStore = ratelimit.NewMemoryStore()
	}

	return &runtimeEnv{
		Store: st,
		Queue: q,
		Limiter: ratelimit.New(rlStore, ratelimit.Config{
			DefaultRPS:     cfg.RateLimit.DefaultRPS,
			FailClosedWait: time.Duration(cfg.RateLimit.FailClosedWaitMs) * time.Millisecond,
		}),
		Tracker: tracker.New(st, tracker.Config{
			Backoff:    resilience.FromBackoffConfig(cfg.Tracker.BackoffBaseSecs, cfg.Tracker.BackoffCapSecs),
			StaleAfter: time.Duration(cfg.Tracker.StaleAfterSecs) * time.Second,
		}),
		Sink: deadletter.New(st, q),
	}, nil
}

// initScraper returns the scraping service client, or the deterministic
// mock when invoker.mock is set.
func initScraper() dispatcher.Scraper {
	if cfg.Invoker.Mock {
		zap.L().Warn("using mock scraper")
		return &invoker.MockScraper{}
	}
	cbCfg := resilience.FromCircuitConfig(
		cfg.Invoker.CircuitFailureThreshold,
		cfg.Invoker.CircuitResetSecs,
	)
	cbCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("scraper circuit changed",
			zap.String("component", "invoker"),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	cb := resilience.NewCircuitBreaker(cbCfg)
	return invoker.NewHTTPClient(cfg.Invoker.BaseURL,
		invoker.WithTimeout(time.Duration(cfg.Invoker.TimeoutSecs)*time.Second),
		invoker.WithResultLimit(cfg.Invoker.ResultLimit),
		invoker.WithRateLimit(cfg.Invoker.OutboundRPS, cfg.Batch.Concurrency),
		invoker.WithCircuitBreaker(cb),
	)
}
