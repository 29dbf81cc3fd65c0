package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// TaskStatus is the queue state of a (regionKey, sourceType) partition.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ParseTaskStatus converts a string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed:
		return st, nil
	default:
		return "", eris.Errorf("unknown task status: %q (valid: pending, processing, completed, failed)", s)
	}
}

// ErrInvalidTransition is returned when a state change is not allowed from
// the current status.
var ErrInvalidTransition = eris.New("invalid task state transition")

// TaskState is the per-key processing record kept by the tracker.
type TaskState struct {
	RegionKey           string     `json:"region_key"`
	SourceType          string     `json:"source_type"`
	Status              TaskStatus `json:"status"`
	TotalAttempts       int        `json:"total_attempts"`
	SuccessfulScrapes   int        `json:"successful_scrapes"`
	FailedScrapes       int        `json:"failed_scrapes"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	LastResultCount     int        `json:"last_result_count"`
	TotalRecordsFound   int        `json:"total_records_found"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	LastAttemptedAt     *time.Time `json:"last_attempted_at,omitempty"`
	Version             int64      `json:"version"`
}

// NewTaskState returns a fresh pending state for key.
func NewTaskState(key TaskKey) *TaskState {
	return &TaskState{
		RegionKey:  key.RegionKey,
		SourceType: key.SourceType,
		Status:     TaskStatusPending,
	}
}

// Key returns the state's partition key.
func (s *TaskState) Key() TaskKey {
	return TaskKey{RegionKey: s.RegionKey, SourceType: s.SourceType}
}

// Begin moves the state into processing. A state already processing is
// re-begun: that only happens when a delivery is redelivered after a crash.
func (s *TaskState) Begin(now time.Time) {
	s.Status = TaskStatusProcessing
	s.TotalAttempts++
	s.StartedAt = &now
	s.LastAttemptedAt = &now
}

// Complete records a successful scrape. Deliveries of different professions
// share a key and run side by side, so a key a sibling already settled
// still takes the outcome: the last writer wins. Only a key that was never
// begun is refused.
func (s *TaskState) Complete(now time.Time, resultCount int) error {
	if s.Status == TaskStatusPending {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", s.Status, TaskStatusCompleted)
	}
	s.Status = TaskStatusCompleted
	s.SuccessfulScrapes++
	s.ConsecutiveFailures = 0
	s.LastError = ""
	s.NextRetryAt = nil
	s.LastResultCount = resultCount
	s.TotalRecordsFound += resultCount
	s.CompletedAt = &now
	return nil
}

// Fail records a failed attempt. nextRetry computes the retry time from the
// updated consecutive failure count. Like Complete it accepts any begun key.
func (s *TaskState) Fail(now time.Time, errMsg string, nextRetry func(consecutiveFailures int) time.Time) error {
	if s.Status == TaskStatusPending {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", s.Status, TaskStatusFailed)
	}
	s.Status = TaskStatusFailed
	s.FailedScrapes++
	s.ConsecutiveFailures++
	s.LastError = errMsg
	next := nextRetry(s.ConsecutiveFailures)
	s.NextRetryAt = &next
	s.CompletedAt = &now
	return nil
}

// Stale reports whether a processing state started before cutoff.
func (s *TaskState) Stale(cutoff time.Time) bool {
	return s.Status == TaskStatusProcessing && s.StartedAt != nil && s.StartedAt.Before(cutoff)
}
