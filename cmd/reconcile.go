package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fail task states stuck in processing",
	Long:  "Forces every task state that has been processing longer than tracker.stale_after_secs to failed, scheduling its next retry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFor("reconcile"); err != nil {
			return err
		}
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Tracker.Reconcile(ctx, time.Now().UTC())
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}
		zap.L().Info("reconcile complete", zap.Int("reconciled", n))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}
