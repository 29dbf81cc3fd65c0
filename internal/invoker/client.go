// Package invoker calls the external scraping service for one task.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/resilience"
)

// Scraper runs one scrape task against the external scraping capability.
// Every failure is returned as a *resilience.InvocationError; a Scraper
// never retries internally.
type Scraper interface {
	Scrape(ctx context.Context, task model.ScrapeTask) (*model.ScrapeResult, error)
}

// maxResponseBytes caps how much of a scraper response is read.
const maxResponseBytes = 32 << 20

type scrapeRequest struct {
	RegionKey  string `json:"regionKey"`
	Profession string `json:"profession"`
	SourceType string `json:"sourceType"`
	Limit      int    `json:"limit"`
}

type scrapeResponse struct {
	Results   []model.RawRecord `json:"results"`
	Source    string            `json:"source"`
	Total     *int              `json:"total"`
	ScrapedAt time.Time         `json:"scrapedAt"`
	Error     string            `json:"error,omitempty"`
}

// Option configures the HTTP client.
type Option func(*HTTPClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		c.http = hc
	}
}

// WithTimeout bounds each scrape call.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithResultLimit sets the per-call result limit sent to the scraper.
func WithResultLimit(n int) Option {
	return func(c *HTTPClient) {
		if n > 0 {
			c.limit = n
		}
	}
}

// WithRateLimit paces outbound calls to the scraper across all keys.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *HTTPClient) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithCircuitBreaker guards the scraper with cb. An open circuit fails
// calls immediately.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *HTTPClient) {
		c.breaker = cb
	}
}

// HTTPClient is the Scraper backed by the scraping service's HTTP API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	limit   int
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPClient creates a client for the scraper at baseURL.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
		limit:   100,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scrape posts the task to {base}/scrape and decodes the result.
func (c *HTTPClient) Scrape(ctx context.Context, task model.ScrapeTask) (*model.ScrapeResult, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: outbound pacing"), Transient: true}
		}
	}
	if c.breaker == nil {
		return c.scrape(ctx, task)
	}

	res, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (*model.ScrapeResult, error) {
		return c.scrape(ctx, task)
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: scraper unavailable"), Transient: true}
	}
	return res, err
}

func (c *HTTPClient) scrape(ctx context.Context, task model.ScrapeTask) (*model.ScrapeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(scrapeRequest{
		RegionKey:  task.RegionKey,
		Profession: task.Profession,
		SourceType: task.SourceType,
		Limit:      c.limit,
	})
	if err != nil {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: marshal request")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(payload))
	if err != nil {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: create request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: request failed"), Transient: true}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: read response body"), StatusCode: resp.StatusCode, Transient: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &resilience.InvocationError{
			Err:        eris.Errorf("invoker: unexpected status: %s", truncate(string(body), 256)),
			StatusCode: resp.StatusCode,
			Transient:  resilience.IsTransientHTTPStatus(resp.StatusCode),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	var sr scrapeResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: decode response"), StatusCode: resp.StatusCode}
	}
	if sr.Error != "" {
		return nil, &resilience.InvocationError{Err: eris.Errorf("invoker: scraper error: %s", sr.Error), StatusCode: resp.StatusCode}
	}
	prov, err := model.ParseProvenance(sr.Source)
	if err != nil {
		return nil, &resilience.InvocationError{Err: eris.Wrap(err, "invoker: response provenance"), StatusCode: resp.StatusCode}
	}

	res := &model.ScrapeResult{
		Records:    sr.Results,
		Provenance: prov,
		Total:      len(sr.Results),
		ScrapedAt:  sr.ScrapedAt,
	}
	if sr.Total != nil {
		res.Total = *sr.Total
	}
	if res.ScrapedAt.IsZero() {
		res.ScrapedAt = time.Now().UTC()
	}
	return res, nil
}

// CheckHealth reports whether the scraper answers GET {base}/health with 2xx.
func (c *HTTPClient) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return eris.Wrap(err, "invoker: create health request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "invoker: health check")
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return eris.Errorf("invoker: health check status %d", resp.StatusCode)
	}
	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
