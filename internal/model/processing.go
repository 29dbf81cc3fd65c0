package model

import (
	"sort"
	"time"
)

// Outcome is what the dispatcher did with one delivery.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// ProcessingEntry is one row of the observability log: a single delivery's
// trip through the dispatcher.
type ProcessingEntry struct {
	ID          string     `json:"id"`
	DeliveryID  string     `json:"delivery_id"`
	RegionKey   string     `json:"region_key"`
	SourceType  string     `json:"source_type"`
	Profession  string     `json:"profession"`
	Attempt     int        `json:"attempt"`
	Outcome     Outcome    `json:"outcome"`
	DurationMs  int64      `json:"duration_ms"`
	ResultCount int        `json:"result_count"`
	StoredCount int        `json:"stored_count"`
	Provenance  Provenance `json:"provenance,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// KeyActivity aggregates recent processing for one (regionKey, sourceType).
type KeyActivity struct {
	RegionKey         string     `json:"region_key"`
	SourceType        string     `json:"source_type"`
	Processed         int        `json:"processed"`
	Completed         int        `json:"completed"`
	Failed            int        `json:"failed"`
	Deferred          int        `json:"deferred"`
	DeadLettered      int        `json:"dead_lettered"`
	RecordsFound      int        `json:"records_found"`
	RecordsStored     int        `json:"records_stored"`
	AvgDurationMs     float64    `json:"avg_duration_ms"`
	LastError         string     `json:"last_error,omitempty"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
	HoursSinceFailure *float64   `json:"hours_since_failure,omitempty"`
	LastProcessedAt   time.Time  `json:"last_processed_at"`
}

// AggregateActivity folds processing entries into per-key activity, ordered
// by most recent processing first.
func AggregateActivity(entries []ProcessingEntry, now time.Time) []KeyActivity {
	byKey := make(map[TaskKey]*KeyActivity)
	var order []TaskKey
	durations := make(map[TaskKey]int64)

	for _, e := range entries {
		k := TaskKey{RegionKey: e.RegionKey, SourceType: e.SourceType}
		a, ok := byKey[k]
		if !ok {
			a = &KeyActivity{RegionKey: e.RegionKey, SourceType: e.SourceType}
			byKey[k] = a
			order = append(order, k)
		}
		a.Processed++
		a.RecordsFound += e.ResultCount
		a.RecordsStored += e.StoredCount
		durations[k] += e.DurationMs
		switch e.Outcome {
		case OutcomeCompleted:
			a.Completed++
		case OutcomeRetried:
			a.Failed++
		case OutcomeDeferred:
			a.Deferred++
		case OutcomeDeadLettered:
			a.Failed++
			a.DeadLettered++
		}
		if e.Error != "" && e.Outcome != OutcomeDeferred && (a.LastFailureAt == nil || e.CreatedAt.After(*a.LastFailureAt)) {
			at := e.CreatedAt
			a.LastFailureAt = &at
			a.LastError = e.Error
		}
		if e.CreatedAt.After(a.LastProcessedAt) {
			a.LastProcessedAt = e.CreatedAt
		}
	}

	out := make([]KeyActivity, 0, len(order))
	for _, k := range order {
		a := byKey[k]
		a.AvgDurationMs = float64(durations[k]) / float64(a.Processed)
		if a.LastFailureAt != nil {
			h := now.Sub(*a.LastFailureAt).Hours()
			a.HoursSinceFailure = &h
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastProcessedAt.After(out[j].LastProcessedAt)
	})
	return out
}
