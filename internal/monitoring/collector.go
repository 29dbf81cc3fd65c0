package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
)

// MetricsSnapshot holds a point-in-time view of consumer health.
type MetricsSnapshot struct {
	// Processing metrics (within lookback window).
	Processed     int     `json:"processed"`
	Completed     int     `json:"completed"`
	Retried       int     `json:"retried"`
	Deferred      int     `json:"deferred"`
	DeadLettered  int     `json:"dead_lettered"`
	FailRate      float64 `json:"fail_rate"`
	RecordsFound  int     `json:"records_found"`
	RecordsStored int     `json:"records_stored"`
	AvgDurationMs float64 `json:"avg_duration_ms"`

	// Keys whose every finished delivery in the window failed.
	FailingKeys []model.KeyActivity `json:"failing_keys,omitempty"`

	// Depths.
	DLQDepth   int `json:"dlq_depth"`
	QueueDepth int `json:"queue_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// DeadLetterCounter is the slice of the dead-letter store the collector needs.
type DeadLetterCounter interface {
	CountDeadLetters(ctx context.Context, unresolvedOnly bool) (int, error)
}

// DepthReader reports the live queue depth.
type DepthReader interface {
	Depth(ctx context.Context) (int, error)
}

// Collector gathers metrics from the processing log, the dead-letter store
// and, optionally, the queue.
type Collector struct {
	log   store.ProcessingLog
	dlq   DeadLetterCounter
	queue DepthReader
}

// NewCollector creates a new metrics collector. queue may be nil.
func NewCollector(log store.ProcessingLog, dlq DeadLetterCounter, queue DepthReader) *Collector {
	return &Collector{log: log, dlq: dlq, queue: queue}
}

// Collect gathers a snapshot of consumer metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.log.ListProcessing(ctx, cutoff, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list processing")
	}

	var totalDuration int64
	for _, e := range entries {
		snap.Processed++
		snap.RecordsFound += e.ResultCount
		snap.RecordsStored += e.StoredCount
		totalDuration += e.DurationMs
		switch e.Outcome {
		case model.OutcomeCompleted:
			snap.Completed++
		case model.OutcomeRetried:
			snap.Retried++
		case model.OutcomeDeferred:
			snap.Deferred++
		case model.OutcomeDeadLettered:
			snap.DeadLettered++
		}
	}

	if snap.Processed > 0 {
		snap.AvgDurationMs = float64(totalDuration) / float64(snap.Processed)
	}
	failed := snap.Retried + snap.DeadLettered
	if finished := snap.Completed + failed; finished > 0 {
		snap.FailRate = float64(failed) / float64(finished)
	}

	for _, a := range model.AggregateActivity(entries, now) {
		if a.Failed > 0 && a.Completed == 0 {
			snap.FailingKeys = append(snap.FailingKeys, a)
		}
	}

	dlqCount, err := c.dlq.CountDeadLetters(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dead letters")
	}
	snap.DLQDepth = dlqCount

	if c.queue != nil {
		depth, err := c.queue.Depth(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: queue depth")
		}
		snap.QueueDepth = depth
	}

	return snap, nil
}
