package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Counters
	tasksProcessed *prometheus.CounterVec
	recordsFound   *prometheus.CounterVec
	recordsStored  *prometheus.CounterVec
	rateWaits      *prometheus.CounterVec
	throttles      *prometheus.CounterVec

	// Gauges
	inFlight prometheus.Gauge

	// Histograms
	invokeDuration *prometheus.HistogramVec
	batchDuration  prometheus.Histogram
}

// NewMetrics creates the dispatcher metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in
// tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_tasks_processed_total",
				Help: "Total number of scrape task deliveries processed, by outcome",
			},
			[]string{"source_type", "outcome"},
		),
		recordsFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_records_found_total",
				Help: "Total number of records returned by the scraper",
			},
			[]string{"source_type"},
		),
		recordsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_records_stored_total",
				Help: "Total number of records upserted into the result store",
			},
			[]string{"source_type"},
		),
		rateWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_rate_limit_waits_total",
				Help: "Total number of rate-limit denials observed by the dispatcher",
			},
			[]string{"source_type", "reason"},
		),
		throttles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_upstream_throttles_total",
				Help: "Total number of keys throttled after an upstream 429",
			},
			[]string{"source_type"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_tasks_in_flight",
				Help: "Number of scrape tasks currently being processed",
			},
		),
		invokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_invoke_duration_seconds",
				Help:    "Scraper call duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"source_type"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_batch_duration_seconds",
				Help:    "Time to process one claimed batch",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.tasksProcessed,
		m.recordsFound,
		m.recordsStored,
		m.rateWaits,
		m.throttles,
		m.inFlight,
		m.invokeDuration,
		m.batchDuration,
	)

	return m
}

func (m *Metrics) observeOutcome(e *model.ProcessingEntry) {
	if m == nil {
		return
	}
	m.tasksProcessed.WithLabelValues(e.SourceType, string(e.Outcome)).Inc()
	if e.ResultCount > 0 {
		m.recordsFound.WithLabelValues(e.SourceType).Add(float64(e.ResultCount))
	}
	if e.StoredCount > 0 {
		m.recordsStored.WithLabelValues(e.SourceType).Add(float64(e.StoredCount))
	}
}

func (m *Metrics) observeRateWait(sourceType, reason string) {
	if m == nil {
		return
	}
	m.rateWaits.WithLabelValues(sourceType, reason).Inc()
}

func (m *Metrics) observeThrottle(sourceType string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(sourceType).Inc()
}

func (m *Metrics) observeInvoke(sourceType string, d time.Duration) {
	if m == nil {
		return
	}
	m.invokeDuration.WithLabelValues(sourceType).Observe(d.Seconds())
}

func (m *Metrics) observeBatch(d time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(d.Seconds())
}

func (m *Metrics) trackInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}
