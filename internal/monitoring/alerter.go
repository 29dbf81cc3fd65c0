package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate     AlertType = "scrape_failure_rate"
	AlertDeadLetterDepth AlertType = "dead_letter_depth"
	AlertKeyFailing      AlertType = "key_failing"
)

// minFinishedForRate is the number of finished deliveries below which the
// failure rate is too noisy to alert on.
const minFinishedForRate = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	failed := snap.Retried + snap.DeadLettered
	finished := snap.Completed + failed
	if finished >= minFinishedForRate && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Scrape failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.cfg.DLQDepthThreshold > 0 && snap.DLQDepth >= a.cfg.DLQDepthThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d unresolved dead letters (threshold %d)",
				snap.DLQDepth, a.cfg.DLQDepthThreshold,
			),
			Details: map[string]any{
				"dlq_depth": snap.DLQDepth,
				"threshold": a.cfg.DLQDepthThreshold,
			},
			Timestamp: now,
		})
	}

	for _, k := range snap.FailingKeys {
		alerts = append(alerts, Alert{
			Type:     AlertKeyFailing,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%s/%s failed %d time(s) with no success in last %dh: %s",
				k.SourceType, k.RegionKey, k.Failed, snap.LookbackHours, k.LastError,
			),
			Details: map[string]any{
				"source_type":   k.SourceType,
				"region_key":    k.RegionKey,
				"failed":        k.Failed,
				"dead_lettered": k.DeadLettered,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
