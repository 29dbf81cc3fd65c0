package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/config"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
			_, _ = c.Check(ctx)
		}
	}
}

// Check collects one snapshot, evaluates it and sends any alerts. It
// returns the triggered alerts and how many were delivered.
func (c *Checker) Check(ctx context.Context) ([]Alert, int) {
	lookback := c.cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := c.collector.Collect(ctx, lookback)
	if err != nil {
		c.log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil, 0
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		c.log.Debug("monitoring: no alerts triggered",
			zap.Int("processed", snap.Processed),
			zap.Int("dlq_depth", snap.DLQDepth),
		)
		return nil, 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts, sent
}
