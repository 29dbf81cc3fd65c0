package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reconciler periodically runs Reconcile in the background.
type Reconciler struct {
	tracker  *Tracker
	interval time.Duration
}

// NewReconciler creates a reconciler ticking every interval (default 1m).
func NewReconciler(t *Tracker, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{tracker: t, interval: interval}
}

// Run reconciles on every tick. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "tracker.reconciler"))
	log.Info("starting reconciler",
		zap.Duration("interval", r.interval),
		zap.Duration("stale_after", r.tracker.cfg.StaleAfter),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconciler stopped")
			return
		case <-ticker.C:
			n, err := r.tracker.Reconcile(ctx, time.Now().UTC())
			if err != nil {
				log.Error("reconcile pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("reconcile pass complete", zap.Int("reconciled", n))
			}
		}
	}
}
