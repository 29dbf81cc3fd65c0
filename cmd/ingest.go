package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/queue"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Bridge external task sources into the work queue",
}

var ingestKafkaCmd = &cobra.Command{
	Use:   "kafka",
	Short: "Enqueue scrape tasks published to a Kafka topic",
	Long:  "Consumes JSON scrape tasks from kafka.topic as group kafka.group_id and enqueues each one. Offsets are committed only after the task is enqueued.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFor("ingest"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ingress := queue.NewKafkaIngress(
			queue.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID),
			env.Queue,
		)
		defer ingress.Close() //nolint:errcheck

		zap.L().Info("starting kafka ingress",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
			zap.String("group_id", cfg.Kafka.GroupID),
		)
		n, err := ingress.Run(ctx)
		zap.L().Info("kafka ingress stopped", zap.Int("enqueued", n))
		return err
	},
}

func init() {
	ingestCmd.AddCommand(ingestKafkaCmd)
	rootCmd.AddCommand(ingestCmd)
}
