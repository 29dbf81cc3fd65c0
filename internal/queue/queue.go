// Package queue is the work-queue substrate the consumer drains. Messages
// carry a first-class attempt counter: every Claim increments it, Defer
// refunds it, so rate-limit deferrals never consume the retry budget.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// ErrUnknownMessage is returned when acting on an id that is not claimed.
var ErrUnknownMessage = eris.New("queue: unknown message")

// Message is one delivery of a task.
type Message struct {
	ID         string           `json:"id"`
	Task       model.ScrapeTask `json:"task"`
	Attempt    int              `json:"attempt"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	LastError  string           `json:"last_error,omitempty"`

	// DecodeError is set when the stored payload could not be decoded. Task
	// is then zero and the delivery can only be dead-lettered.
	DecodeError string `json:"decode_error,omitempty"`
}

// Queue is a leased work queue. A claimed message that is neither acked,
// retried nor deferred before its lease expires is redelivered.
type Queue interface {
	// Enqueue adds task, visible after delay.
	Enqueue(ctx context.Context, task model.ScrapeTask, delay time.Duration) (string, error)
	// Claim leases up to n visible messages, highest priority first.
	Claim(ctx context.Context, n int) ([]Message, error)
	// Ack removes a message for good.
	Ack(ctx context.Context, id string) error
	// Retry makes a message visible again after delay. The attempt is kept.
	Retry(ctx context.Context, id string, delay time.Duration, reason string) error
	// Defer makes a message visible again after delay and refunds the attempt.
	Defer(ctx context.Context, id string, delay time.Duration) error
	// Depth counts every message, leased or not.
	Depth(ctx context.Context) (int, error)
}

// Action is what to do with a processed message.
type Action string

const (
	ActionAck   Action = "ack"
	ActionRetry Action = "retry"
	ActionDefer Action = "defer"
)

// Outcome is the directive for one message of a batch.
type Outcome struct {
	MessageID string        `json:"message_id"`
	Action    Action        `json:"action"`
	Delay     time.Duration `json:"delay"`
	Reason    string        `json:"reason,omitempty"`
}

// Apply carries out outcomes against q. A failing directive is logged and
// skipped: the lease expiry redelivers the message. It returns the number
// of directives that failed.
func Apply(ctx context.Context, q Queue, outcomes []Outcome) int {
	log := zap.L().With(zap.String("component", "queue"))
	failed := 0
	for _, o := range outcomes {
		var err error
		switch o.Action {
		case ActionAck:
			err = q.Ack(ctx, o.MessageID)
		case ActionRetry:
			err = q.Retry(ctx, o.MessageID, o.Delay, o.Reason)
		case ActionDefer:
			err = q.Defer(ctx, o.MessageID, o.Delay)
		default:
			err = eris.Errorf("queue: unknown action %q", o.Action)
		}
		if err != nil {
			failed++
			log.Error("apply outcome failed",
				zap.String("delivery_id", o.MessageID),
				zap.String("action", string(o.Action)),
				zap.Error(err),
			)
		}
	}
	return failed
}

func clampDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// decodeTask decodes a stored payload into m.Task. An undecodable payload is
// delivered with DecodeError set instead of failing the whole claim, so one
// bad row at the head of the queue cannot stall it.
func decodeTask(m *Message, payload []byte) {
	if err := json.Unmarshal(payload, &m.Task); err != nil {
		m.Task = model.ScrapeTask{}
		m.DecodeError = eris.Wrapf(err, "queue: decode task %s", m.ID).Error()
		zap.L().With(zap.String("component", "queue")).Error("undecodable task payload",
			zap.String("delivery_id", m.ID),
			zap.Error(err),
		)
	}
}
