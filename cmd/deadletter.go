package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

var (
	dlListLimit   int
	dlListAll     bool
	dlResolvedBy  string
	dlResolveNote string
)

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Review quarantined scrape tasks",
	Long:  "Lists, resolves and replays dead-lettered scrape tasks. Entries are never deleted.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return validateFor("deadletter")
	},
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var entries []model.DeadLetterEntry
		if dlListAll {
			entries, err = env.Sink.List(ctx, dlListLimit)
		} else {
			entries, err = env.Sink.ListUnresolved(ctx, dlListLimit)
		}
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			zap.L().Info("no dead letters found")
			return nil
		}
		formatDeadLetters(os.Stdout, entries)
		return nil
	},
}

var deadletterResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a dead-lettered task resolved without replaying it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Sink.Resolve(ctx, args[0], dlResolvedBy, dlResolveNote); err != nil {
			return eris.Wrapf(err, "resolve %s", args[0])
		}
		zap.L().Info("dead letter resolved", zap.String("id", args[0]), zap.String("resolved_by", dlResolvedBy))
		return nil
	},
}

var deadletterReplayCmd = &cobra.Command{
	Use:   "replay <id>",
	Short: "Re-enqueue a dead-lettered task and mark it resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		deliveryID, err := env.Sink.Replay(ctx, args[0], dlResolvedBy)
		if err != nil {
			return eris.Wrapf(err, "replay %s", args[0])
		}
		zap.L().Info("dead letter replayed", zap.String("id", args[0]), zap.String("delivery_id", deliveryID))
		fmt.Println(deliveryID)
		return nil
	},
}

func init() {
	deadletterListCmd.Flags().IntVar(&dlListLimit, "limit", 50, "max entries to list")
	deadletterListCmd.Flags().BoolVar(&dlListAll, "all", false, "include resolved entries")

	for _, c := range []*cobra.Command{deadletterResolveCmd, deadletterReplayCmd} {
		c.Flags().StringVar(&dlResolvedBy, "by", "", "operator resolving the entry")
		_ = c.MarkFlagRequired("by")
	}
	deadletterResolveCmd.Flags().StringVar(&dlResolveNote, "notes", "", "resolution notes")

	deadletterCmd.AddCommand(deadletterListCmd, deadletterResolveCmd, deadletterReplayCmd)
	rootCmd.AddCommand(deadletterCmd)
}

// formatDeadLetters writes a tabular representation of entries to out.
func formatDeadLetters(out io.Writer, entries []model.DeadLetterEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKEY\tPROFESSION\tRETRIES\tFAILED\tSTATUS\tERROR")
	_, _ = fmt.Fprintln(w, "--\t---\t----------\t-------\t------\t------\t-----")

	for _, e := range entries {
		status := "open"
		switch {
		case e.ReplayedAt != nil:
			status = "replayed"
		case e.Resolved:
			status = "resolved"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID,
			e.Task.Key(),
			e.Task.Profession,
			e.RetryCount,
			e.FailedAt.Format("2006-01-02 15:04"),
			status,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
