package dispatcher

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/queue"
)

// ConsumerConfig tunes the claim loop.
type ConsumerConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// Consumer drains a queue through a Dispatcher.
type Consumer struct {
	queue      queue.Queue
	dispatcher *Dispatcher
	cfg        ConsumerConfig
	log        *zap.Logger
}

// NewConsumer creates a consumer. Zero config fields take their defaults
// (batch 10, poll every 5s).
func NewConsumer(q queue.Queue, d *Dispatcher, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Consumer{
		queue:      q,
		dispatcher: d,
		cfg:        cfg,
		log:        zap.L().With(zap.String("component", "dispatcher.consumer")),
	}
}

// RunOnce claims and processes a single batch. It returns how many messages
// were processed.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	msgs, err := c.queue.Claim(ctx, c.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "consumer: claim batch")
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	outcomes := c.dispatcher.ProcessBatch(ctx, msgs)

	// Directives are applied even during shutdown so no claimed message
	// waits for its lease to expire.
	if failed := queue.Apply(context.WithoutCancel(ctx), c.queue, outcomes); failed > 0 {
		c.log.Warn("some outcomes were not applied; leases will redeliver",
			zap.Int("failed", failed),
			zap.Int("batch", len(outcomes)),
		)
	}

	acked, retried, deferred := 0, 0, 0
	for _, o := range outcomes {
		switch o.Action {
		case queue.ActionAck:
			acked++
		case queue.ActionRetry:
			retried++
		case queue.ActionDefer:
			deferred++
		}
	}
	c.log.Info("batch processed",
		zap.Int("claimed", len(msgs)),
		zap.Int("acked", acked),
		zap.Int("retried", retried),
		zap.Int("deferred", deferred),
	)
	return len(msgs), nil
}

// Run claims batches until ctx is cancelled. A full batch is followed
// immediately by the next claim; an empty or failed claim waits one poll
// interval.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("starting consumer",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("poll_interval", c.cfg.PollInterval),
	)

	for {
		n, err := c.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.log.Error("consume batch failed", zap.Error(err))
		}
		if n >= c.cfg.BatchSize {
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !sleepCtx(ctx, c.cfg.PollInterval) {
			break
		}
	}

	c.log.Info("consumer stopped")
	return nil
}
