package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

// KafkaReader is the subset of *kafka.Reader used by the ingress.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader with manual commits.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
}

// KafkaIngress bridges a topic of JSON ScrapeTask messages into a Queue.
// Offsets are committed only after the task is enqueued, so a crash
// between the two redelivers the message.
type KafkaIngress struct {
	reader KafkaReader
	queue  Queue
	log    *zap.Logger
}

// NewKafkaIngress creates an ingress from r into q.
func NewKafkaIngress(r KafkaReader, q Queue) *KafkaIngress {
	return &KafkaIngress{
		reader: r,
		queue:  q,
		log:    zap.L().With(zap.String("component", "queue.kafka")),
	}
}

// Run consumes until ctx is cancelled. It returns the number of tasks
// enqueued.
func (k *KafkaIngress) Run(ctx context.Context) (int, error) {
	enqueued := 0
	for {
		m, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return enqueued, nil
			}
			return enqueued, eris.Wrap(err, "kafka ingress: fetch")
		}

		ok, err := k.handle(ctx, m)
		if err != nil {
			return enqueued, err
		}
		if ok {
			enqueued++
		}
	}
}

// handle enqueues one message and commits it. Bad messages are committed
// so the partition never gets stuck on them.
func (k *KafkaIngress) handle(ctx context.Context, m kafka.Message) (bool, error) {
	log := k.log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))

	var task model.ScrapeTask
	err := json.Unmarshal(m.Value, &task)
	if err == nil {
		task = task.Normalize()
		err = task.Validate()
	}
	if err != nil {
		log.Warn("dropping invalid task message", zap.Error(err))
		return false, k.commit(ctx, m)
	}

	id, err := k.queue.Enqueue(ctx, task, 0)
	if err != nil {
		return false, eris.Wrap(err, "kafka ingress: enqueue")
	}
	log.Debug("task enqueued",
		zap.String("delivery_id", id),
		zap.String("region_key", task.RegionKey),
		zap.String("source_type", task.SourceType),
		zap.String("profession", task.Profession),
	)
	return true, k.commit(ctx, m)
}

func (k *KafkaIngress) commit(ctx context.Context, m kafka.Message) error {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return eris.Wrap(k.reader.CommitMessages(cctx, m), "kafka ingress: commit")
}

// Close closes the reader.
func (k *KafkaIngress) Close() error {
	return k.reader.Close()
}
