package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/dispatcher"
	"github.com/mkc909/sales-marketing-sub003/internal/ratelimit"
	"github.com/mkc909/sales-marketing-sub003/internal/tracker"
)

var consumeOnce bool

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume scrape tasks from the queue",
	Long:  "Claims batches of scrape tasks, paces them per source and region, invokes the scraping service and persists the results until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFor("consume"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.RateLimit.SeedFile != "" {
			if err := applySeed(ctx, env.Limiter, cfg.RateLimit.SeedFile); err != nil {
				return err
			}
		}

		d, err := dispatcher.New(dispatcher.Deps{
			Limiter:     env.Limiter,
			Scraper:     initScraper(),
			Results:     env.Store,
			Tracker:     env.Tracker,
			DeadLetters: env.Sink,
			Log:         env.Store,
			Metrics:     dispatcher.NewMetrics(prometheus.DefaultRegisterer),
		}, dispatcherConfig())
		if err != nil {
			return eris.Wrap(err, "consume: build dispatcher")
		}

		consumer := dispatcher.NewConsumer(env.Queue, d, dispatcher.ConsumerConfig{
			BatchSize:    cfg.Queue.BatchSize,
			PollInterval: time.Duration(cfg.Queue.PollIntervalSecs) * time.Second,
		})

		if consumeOnce {
			n, err := consumer.RunOnce(ctx)
			if err != nil {
				return err
			}
			zap.L().Info("consume: single batch done", zap.Int("messages", n))
			return nil
		}

		rec := tracker.NewReconciler(env.Tracker, time.Duration(cfg.Tracker.ReconcileIntervalSecs)*time.Second)
		go rec.Run(ctx)

		return consumer.Run(ctx)
	},
}

// applySeed loads a rate limit seed file and configures every key in it.
func applySeed(ctx context.Context, l *ratelimit.Limiter, path string) error {
	seed, err := ratelimit.LoadSeed(path)
	if err != nil {
		return err
	}
	n, err := l.ApplySeed(ctx, seed)
	if err != nil {
		return eris.Wrapf(err, "apply seed %s", path)
	}
	zap.L().Info("rate limit seed applied", zap.String("path", path), zap.Int("keys", n))
	return nil
}

func init() {
	consumeCmd.Flags().BoolVar(&consumeOnce, "once", false, "process a single batch and exit")
	rootCmd.AddCommand(consumeCmd)
}

// dispatcherConfig maps the batch settings onto the dispatcher. A zero
// batch.max_rate_waits in the config file disables sleeping for a slot.
func dispatcherConfig() dispatcher.Config {
	waits := cfg.Batch.MaxRateWaits
	if waits == 0 {
		waits = dispatcher.NoRateWaits
	}
	return dispatcher.Config{
		Concurrency:    cfg.Batch.Concurrency,
		MaxAttempts:    cfg.Batch.MaxAttempts,
		MaxRateWaits:   waits,
		RateWaitBudget: time.Duration(cfg.Batch.RateWaitBudgetSecs) * time.Second,
		QueueDelay:     cfg.Queue.DelayMode,
		InvokeTimeout:  time.Duration(cfg.Invoker.TimeoutSecs) * time.Second,
		ThrottleFor:    time.Duration(cfg.RateLimit.ThrottleSecs) * time.Second,
	}
}
