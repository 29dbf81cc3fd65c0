package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

var (
	enqueueRegion     string
	enqueueSource     string
	enqueueProfession string
	enqueuePriority   int
	enqueueDelay      time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a single scrape task",
	Long:  "Adds one scrape task to the work queue. Intended for local runs and manual re-scrapes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFor("enqueue"); err != nil {
			return err
		}
		task := model.ScrapeTask{
			RegionKey:  enqueueRegion,
			SourceType: enqueueSource,
			Profession: enqueueProfession,
			Priority:   enqueuePriority,
		}.Normalize()
		if err := task.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		id, err := env.Queue.Enqueue(ctx, task, enqueueDelay)
		if err != nil {
			return eris.Wrap(err, "enqueue")
		}
		zap.L().Info("task enqueued",
			zap.String("delivery_id", id),
			zap.String("key", task.Key().String()),
			zap.String("profession", task.Profession),
		)
		fmt.Println(id)
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueueRegion, "region", "", "region key, e.g. 33101-FL")
	f.StringVar(&enqueueSource, "source", "", "source type, e.g. stateLicenseDB")
	f.StringVar(&enqueueProfession, "profession", "", "profession to scrape")
	f.IntVar(&enqueuePriority, "priority", 0, "higher values are claimed first")
	f.DurationVar(&enqueueDelay, "delay", 0, "delay before the task becomes visible")
	_ = enqueueCmd.MarkFlagRequired("region")
	_ = enqueueCmd.MarkFlagRequired("source")
	_ = enqueueCmd.MarkFlagRequired("profession")
	rootCmd.AddCommand(enqueueCmd)
}
