package model

import "time"

// DeadLetterEntry is the quarantined snapshot of a task that exhausted its
// retry budget. Entries are never deleted; operators resolve them.
type DeadLetterEntry struct {
	ID              string     `json:"id"`
	DeliveryID      string     `json:"delivery_id"`
	Task            ScrapeTask `json:"task"`
	Error           string     `json:"error"`
	ErrorKind       string     `json:"error_kind"`
	RetryCount      int        `json:"retry_count"`
	FailedAt        time.Time  `json:"failed_at"`
	Resolved        bool       `json:"resolved"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ReplayedAt      *time.Time `json:"replayed_at,omitempty"`
}

// DeadLetterFilter narrows dead-letter queries.
type DeadLetterFilter struct {
	UnresolvedOnly bool `json:"unresolved_only,omitempty"`
	Limit          int  `json:"limit,omitempty"`
}
