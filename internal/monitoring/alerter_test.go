package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkc909/sales-marketing-sub003/internal/config"
	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DLQDepthThreshold:    10,
	})

	snap := &MetricsSnapshot{
		Processed:     100,
		Completed:     95,
		Retried:       5,
		FailRate:      0.05,
		DLQDepth:      2,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DLQDepthThreshold:    10,
	})

	snap := &MetricsSnapshot{
		Processed:     20,
		Completed:     12,
		Retried:       6,
		DeadLettered:  2,
		FailRate:      0.4, // 8/20 = 40%
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_DeadLetterDepth(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DLQDepthThreshold:    10,
	})

	snap := &MetricsSnapshot{DLQDepth: 12, LookbackHours: 24}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDeadLetterDepth, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "12 unresolved")
}

func TestAlerter_Evaluate_FailingKey(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		FailingKeys: []model.KeyActivity{{
			RegionKey:  "10001-NY",
			SourceType: "stateLicenseDB",
			Failed:     3,
			LastError:  "scrape invocation failed (status 503)",
		}},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertKeyFailing, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "stateLicenseDB/10001-NY")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DLQDepthThreshold:    5,
	})

	snap := &MetricsSnapshot{
		Completed:     10,
		Retried:       10,
		FailRate:      0.5,
		DLQDepth:      6,
		FailingKeys:   []model.KeyActivity{{RegionKey: "10001-NY", SourceType: "stateLicenseDB", Failed: 2}},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertFailureRate])
	assert.True(t, types[AlertDeadLetterDepth])
	assert.True(t, types[AlertKeyFailing])
}

func TestAlerter_Evaluate_MinimumFinishedRequired(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		FailureRateThreshold: 0.10,
	})

	// Only 3 finished deliveries, below the minimum for a failure rate alert.
	snap := &MetricsSnapshot{
		Completed:     1,
		Retried:       2,
		FailRate:      0.666,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ZeroDLQThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		DLQDepthThreshold: 0, // disabled
	})

	snap := &MetricsSnapshot{DLQDepth: 999, LookbackHours: 24}

	alerts := a.Evaluate(snap)
	assert.Empty(t, alerts)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		assert.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertFailureRate, Severity: "high", Message: "test alert 1"},
		{Type: AlertDeadLetterDepth, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertFailureRate, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertFailureRate, Message: "test"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 0, sent)
}
