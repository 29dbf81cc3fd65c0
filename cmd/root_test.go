package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkc909/sales-marketing-sub003/internal/config"
	"github.com/mkc909/sales-marketing-sub003/internal/dispatcher"
	"github.com/mkc909/sales-marketing-sub003/internal/invoker"
	"github.com/mkc909/sales-marketing-sub003/internal/model"
	"github.com/mkc909/sales-marketing-sub003/internal/queue"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"consume", "serve", "migrate", "enqueue", "reconcile", "deadletter", "ratelimit", "ingest"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "scrape-consumer", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestConsumeCommand_Flags(t *testing.T) {
	flag := consumeCmd.Flags().Lookup("once")
	require.NotNil(t, flag, "consume command should have --once flag")
	assert.Equal(t, "false", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestEnqueueCommand_Flags(t *testing.T) {
	for _, name := range []string{"region", "source", "profession", "priority", "delay"} {
		assert.NotNil(t, enqueueCmd.Flags().Lookup(name), "enqueue should have --%s flag", name)
	}
}

func TestDeadletterCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range deadletterCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "resolve", "replay"} {
		assert.True(t, names[name], "deadletter should have subcommand %q", name)
	}
	assert.NotNil(t, deadletterResolveCmd.Flags().Lookup("by"))
	assert.NotNil(t, deadletterReplayCmd.Flags().Lookup("by"))
}

func TestRatelimitCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range ratelimitCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"status", "set", "throttle", "unthrottle", "seed"} {
		assert.True(t, names[name], "ratelimit should have subcommand %q", name)
	}

	flag := ratelimitThrottleCmd.Flags().Lookup("for")
	require.NotNil(t, flag)
	assert.Equal(t, "1h0m0s", flag.DefValue)
}

func TestIngestCommand_HasKafka(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range ingestCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["kafka"])
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store:     config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "cmd.db")},
		Queue:     config.QueueConfig{LeaseSecs: 60},
		RateLimit: config.RateLimitConfig{Backend: "store", DefaultRPS: 1},
	}
}

func TestInitEnv_SQLite(t *testing.T) {
	cfg = sqliteConfig(t)
	ctx := context.Background()

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()
	require.NoError(t, env.Store.Migrate(ctx))

	_, ok := env.Queue.(*queue.SQLiteQueue)
	assert.True(t, ok, "sqlite store should get the sqlite queue")

	task := model.ScrapeTask{RegionKey: "33101-FL", SourceType: "stateLicenseDB", Profession: "plumber"}.Normalize()
	_, err = env.Queue.Enqueue(ctx, task, 0)
	require.NoError(t, err)

	depth, err := env.Queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestInitEnv_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initEnv(context.Background())
	assert.ErrorContains(t, err, "unsupported store driver")
}

func TestInitScraper(t *testing.T) {
	cfg = &config.Config{Invoker: config.InvokerConfig{Mock: true}}
	_, ok := initScraper().(*invoker.MockScraper)
	assert.True(t, ok)

	cfg = &config.Config{Invoker: config.InvokerConfig{BaseURL: "http://localhost:8787", TimeoutSecs: 5, OutboundRPS: 2}}
	_, ok = initScraper().(*invoker.HTTPClient)
	assert.True(t, ok)
}

func TestDispatcherConfig(t *testing.T) {
	cfg = &config.Config{
		Batch:     config.BatchConfig{Concurrency: 4, MaxAttempts: 3, MaxRateWaits: 6, RateWaitBudgetSecs: 20},
		Invoker:   config.InvokerConfig{TimeoutSecs: 30},
		RateLimit: config.RateLimitConfig{ThrottleSecs: 60},
	}
	dc := dispatcherConfig()
	assert.Equal(t, 6, dc.MaxRateWaits)
	assert.Equal(t, 20*time.Second, dc.RateWaitBudget)
	assert.Equal(t, 30*time.Second, dc.InvokeTimeout)
	assert.Equal(t, time.Minute, dc.ThrottleFor)

	cfg.Batch.MaxRateWaits = 0
	assert.Equal(t, dispatcher.NoRateWaits, dispatcherConfig().MaxRateWaits)
}

func TestApplySeed(t *testing.T) {
	cfg = sqliteConfig(t)
	cfg.RateLimit.Backend = "memory"
	ctx := context.Background()

	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	path := filepath.Join(t.TempDir(), "ratelimits.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`rate_limits:
  - source_type: stateLicenseDB
    region_key: 33101-FL
    requests_per_second: 0.5
`), 0o600))

	require.NoError(t, applySeed(ctx, env.Limiter, path))

	snap, err := env.Limiter.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.InDelta(t, 0.5, snap[0].RequestsPerSecond, 0.001)

	assert.Error(t, applySeed(ctx, env.Limiter, filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestFormatDeadLetters(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []model.DeadLetterEntry{
		{
			ID:         "dl-1",
			Task:       model.ScrapeTask{RegionKey: "33101-FL", SourceType: "stateLicenseDB", Profession: "plumber"},
			Error:      "scrape invocation failed (status 503)",
			RetryCount: 3,
			FailedAt:   now,
		},
		{
			ID:         "dl-2",
			Task:       model.ScrapeTask{RegionKey: "10001-NY", SourceType: "stateLicenseDB", Profession: "electrician"},
			Error:      "timeout",
			RetryCount: 3,
			FailedAt:   now,
			Resolved:   true,
			ReplayedAt: &now,
		},
	}

	var buf bytes.Buffer
	formatDeadLetters(&buf, entries)
	out := buf.String()

	assert.Contains(t, out, "stateLicenseDB/33101-FL")
	assert.Contains(t, out, "open")
	assert.Contains(t, out, "replayed")
	assert.Contains(t, out, "2026-03-01 12:00")
}

func TestFormatRateLimits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	cfgs := []model.RateLimitConfig{
		{SourceType: "stateLicenseDB", RegionKey: "33101-FL", RequestsPerSecond: 0.5, TotalRequests: 4, TotalDurationMs: 800},
		{SourceType: "stateLicenseDB", RegionKey: "10001-NY", RequestsPerSecond: 1, IsThrottled: true, ThrottledUntil: &until},
	}

	var buf bytes.Buffer
	formatRateLimits(&buf, cfgs, now)
	out := buf.String()

	assert.Contains(t, out, "0.50")
	assert.Contains(t, out, "200")
	assert.Contains(t, out, "until 13:00:00")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
