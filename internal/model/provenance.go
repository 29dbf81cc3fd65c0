package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Provenance tags where a scrape result came from.
type Provenance string

const (
	ProvenanceLive  Provenance = "live"
	ProvenanceCache Provenance = "cache"
	ProvenanceMock  Provenance = "mock"
)

// ParseProvenance validates a provenance tag reported by the scraper.
func ParseProvenance(s string) (Provenance, error) {
	switch p := Provenance(s); p {
	case ProvenanceLive, ProvenanceCache, ProvenanceMock:
		return p, nil
	default:
		return "", eris.Errorf("unknown provenance %q (valid: live, cache, mock)", s)
	}
}

// RawRecord is one business record returned by the external scraper.
// (Source, SourceRecordID) is its identity; everything else is mutable and is
// overwritten by later scrapes of the same entity.
type RawRecord struct {
	Source         string         `json:"source"`
	SourceRecordID string         `json:"sourceRecordId"`
	BusinessName   string         `json:"businessName,omitempty"`
	Profession     string         `json:"profession,omitempty"`
	RegionKey      string         `json:"regionKey,omitempty"`
	LicenseNumber  string         `json:"licenseNumber,omitempty"`
	Phone          string         `json:"phone,omitempty"`
	Email          string         `json:"email,omitempty"`
	Website        string         `json:"website,omitempty"`
	Address        string         `json:"address,omitempty"`
	Raw            map[string]any `json:"raw,omitempty"`
}

// Validate checks the record identity.
func (r RawRecord) Validate() error {
	if r.Source == "" {
		return eris.New("record: source is required")
	}
	if r.SourceRecordID == "" {
		return eris.New("record: source record id is required")
	}
	return nil
}

// ScrapeResult is the successful outcome of one scraper invocation. An empty
// Records slice is a valid zero-result outcome.
type ScrapeResult struct {
	Records    []RawRecord `json:"records"`
	Provenance Provenance  `json:"provenance"`
	Total      int         `json:"total"`
	ScrapedAt  time.Time   `json:"scraped_at"`
}
