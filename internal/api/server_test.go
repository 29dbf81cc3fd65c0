package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkc909/sales-marketing-sub003/internal/deadletter"
	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/monitoring"
	"github.com/mkc909/sales-marketing-sub003/internal/queue"
	"github.com/mkc909/sales-marketing-sub003/internal/ratelimit"
	"github.com/mkc909/sales-marketing-sub003/internal/store"
	"github.com/mkc909/sales-marketing-sub003/internal/tracker"
)

var plumberTask = model.ScrapeTask{RegionKey: "33101-FL", SourceType: "stateLicenseDB", Profession: "plumber"}

type fixture struct {
	store   *store.SQLiteStore
	sink    *deadletter.Sink
	queue   *queue.MemoryQueue
	limiter *ratelimit.Limiter
	tracker *tracker.Tracker
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	q := queue.NewMemoryQueue(time.Minute)
	f := &fixture{
		store:   st,
		sink:    deadletter.New(st, q),
		queue:   q,
		limiter: ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{}),
		tracker: tracker.New(st, tracker.Config{}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_test_total", Help: "test"}))

	h := NewRouter(Deps{
		Log:         st,
		DeadLetters: f.sink,
		RateLimits:  f.limiter,
		Tasks:       f.tracker,
		Collector:   monitoring.NewCollector(st, st, q),
		Store:       st,
		Gatherer:    reg,
	}, nil)
	f.server = httptest.NewServer(h)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) quarantine(t *testing.T, deliveryID string) *model.DeadLetterEntry {
	t.Helper()
	e, err := f.sink.Quarantine(context.Background(), queue.Message{ID: deliveryID, Task: plumberTask, Attempt: 3}, errors.New("timeout"))
	require.NoError(t, err)
	return e
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatsActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.store.AppendProcessing(ctx, &model.ProcessingEntry{
		DeliveryID: "m1", RegionKey: "33101-FL", SourceType: "stateLicenseDB", Profession: "plumber",
		Attempt: 1, Outcome: model.OutcomeRetried, Error: "status 503", CreatedAt: now.Add(-2 * time.Hour),
	}))
	require.NoError(t, f.store.AppendProcessing(ctx, &model.ProcessingEntry{
		DeliveryID: "m1", RegionKey: "33101-FL", SourceType: "stateLicenseDB", Profession: "plumber",
		Attempt: 2, Outcome: model.OutcomeCompleted, ResultCount: 5, StoredCount: 5, CreatedAt: now.Add(-time.Hour),
	}))

	var body struct {
		Hours int                 `json:"hours"`
		Keys  []model.KeyActivity `json:"keys"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/stats/activity?hours=6", &body))
	assert.Equal(t, 6, body.Hours)
	require.Len(t, body.Keys, 1)
	k := body.Keys[0]
	assert.Equal(t, 2, k.Processed)
	assert.Equal(t, 1, k.Completed)
	assert.Equal(t, 1, k.Failed)
	assert.Equal(t, "status 503", k.LastError)
	require.NotNil(t, k.HoursSinceFailure)
	assert.InDelta(t, 2.0, *k.HoursSinceFailure, 0.1)
}

func TestStatsActivity_BadHours(t *testing.T) {
	f := newFixture(t)

	var body map[string]string
	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/stats/activity?hours=abc", &body))
	assert.Contains(t, body["error"], "hours")
}

func TestStatsRateLimits(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.limiter.Configure(context.Background(), plumberTask.Key(), 2.5))

	var body struct {
		RateLimits []model.RateLimitConfig `json:"rate_limits"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/stats/ratelimits", &body))
	require.Len(t, body.RateLimits, 1)
	assert.InDelta(t, 2.5, body.RateLimits[0].RequestsPerSecond, 0.001)
}

func TestStatsSummary(t *testing.T) {
	f := newFixture(t)
	f.quarantine(t, "msg-1")

	var snap monitoring.MetricsSnapshot
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/stats/summary", &snap))
	assert.Equal(t, 1, snap.DLQDepth)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestStatsTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tracker.Begin(ctx, plumberTask.Key(), time.Now().UTC())
	require.NoError(t, err)

	var body struct {
		Tasks []model.TaskState `json:"tasks"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/stats/tasks?status=processing", &body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, model.TaskStatusProcessing, body.Tasks[0].Status)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, f.server.URL+"/stats/tasks?status=stuck", nil))
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeadLetters_ListAndGet(t *testing.T) {
	f := newFixture(t)
	e := f.quarantine(t, "msg-1")

	var list struct {
		Items []model.DeadLetterEntry `json:"items"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/deadletters?limit=10", &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "msg-1", list.Items[0].DeliveryID)

	var got model.DeadLetterEntry
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/deadletters/"+e.ID, &got))
	assert.Equal(t, plumberTask.RegionKey, got.Task.RegionKey)

	assert.Equal(t, http.StatusNotFound, getJSON(t, f.server.URL+"/deadletters/nope", nil))
}

func TestDeadLetters_Resolve(t *testing.T) {
	f := newFixture(t)
	e := f.quarantine(t, "msg-1")
	url := f.server.URL + "/deadletters/" + e.ID + "/resolve"

	assert.Equal(t, http.StatusBadRequest, postJSON(t, url, `{"notes":"x"}`, nil))
	assert.Equal(t, http.StatusOK, postJSON(t, url, `{"resolved_by":"ops","notes":"source retired"}`, nil))
	assert.Equal(t, http.StatusConflict, postJSON(t, url, `{"resolved_by":"ops"}`, nil))

	var list struct {
		Items []model.DeadLetterEntry `json:"items"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/deadletters", &list))
	assert.Empty(t, list.Items)

	require.Equal(t, http.StatusOK, getJSON(t, f.server.URL+"/deadletters?all=true", &list))
	require.Len(t, list.Items, 1)
	assert.True(t, list.Items[0].Resolved)
	assert.Equal(t, "source retired", list.Items[0].ResolutionNotes)
}

func TestDeadLetters_Replay(t *testing.T) {
	f := newFixture(t)
	e := f.quarantine(t, "msg-1")

	var body map[string]string
	require.Equal(t, http.StatusAccepted, postJSON(t, f.server.URL+"/deadletters/"+e.ID+"/replay", `{"resolved_by":"ops"}`, &body))
	assert.NotEmpty(t, body["delivery_id"])

	depth, err := f.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	assert.Equal(t, http.StatusNotFound, postJSON(t, f.server.URL+"/deadletters/nope/replay", `{"resolved_by":"ops"}`, nil))
}
