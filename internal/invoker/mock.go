package invoker

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
)

// MockScraper generates deterministic records for local runs without a
// scraping service. The same task always yields the same records.
type MockScraper struct {
	// PerTask is the number of records per task; zero derives 1-10 from
	// the task key.
	PerTask int
}

// Scrape returns generated records tagged with provenance "mock".
func (m *MockScraper) Scrape(ctx context.Context, task model.ScrapeTask) (*model.ScrapeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &resilience.InvocationError{Err: err, Transient: true}
	}

	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", task.SourceType, task.RegionKey, task.Profession)
	seed := h.Sum32()

	n := m.PerTask
	if n <= 0 {
		n = int(seed%10) + 1
	}

	records := make([]model.RawRecord, n)
	for i := range records {
		id := fmt.Sprintf("%08x-%03d", seed, i)
		records[i] = model.RawRecord{
			Source:         "mock-" + task.SourceType,
			SourceRecordID: id,
			BusinessName:   fmt.Sprintf("Mock %s #%d", task.Profession, i+1),
			Profession:     task.Profession,
			RegionKey:      task.RegionKey,
			LicenseNumber:  fmt.Sprintf("MK%06d", (seed+uint32(i))%1000000),
			Phone:          fmt.Sprintf("555-%04d", (seed+uint32(i))%10000),
		}
	}
	return &model.ScrapeResult{
		Records:    records,
		Provenance: model.ProvenanceMock,
		Total:      n,
		ScrapedAt:  time.Now().UTC(),
	}, nil
}
