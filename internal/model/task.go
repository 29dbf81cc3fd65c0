package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// ScrapeTask is a queued unit of work: scrape one profession in one region
// from one external source. Immutable once enqueued.
type ScrapeTask struct {
	RegionKey   string    `json:"regionKey"`
	SourceType  string    `json:"sourceType"`
	Profession  string    `json:"profession"`
	Priority    int       `json:"priority"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

// TaskKey identifies the rate-limit and task-state partition of a task.
type TaskKey struct {
	RegionKey  string `json:"region_key"`
	SourceType string `json:"source_type"`
}

// String renders the key as "sourceType/regionKey".
func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s", k.SourceType, k.RegionKey)
}

// Key returns the (regionKey, sourceType) partition of the task.
func (t ScrapeTask) Key() TaskKey {
	return TaskKey{RegionKey: t.RegionKey, SourceType: t.SourceType}
}

// Normalize trims whitespace, upper-cases the region key and case-folds the
// profession. Source types are registry identifiers and keep their case.
func (t ScrapeTask) Normalize() ScrapeTask {
	t.RegionKey = strings.ToUpper(strings.TrimSpace(t.RegionKey))
	t.SourceType = strings.TrimSpace(t.SourceType)
	t.Profession = cases.Fold().String(strings.TrimSpace(t.Profession))
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = time.Now().UTC()
	}
	return t
}

// Validate checks that the task carries its identifying fields.
func (t ScrapeTask) Validate() error {
	switch {
	case strings.TrimSpace(t.RegionKey) == "":
		return eris.New("task: region key is required")
	case strings.TrimSpace(t.SourceType) == "":
		return eris.New("task: source type is required")
	case strings.TrimSpace(t.Profession) == "":
		return eris.New("task: profession is required")
	}
	return nil
}
