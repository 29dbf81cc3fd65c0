package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mkc909/sales-marketing-sub003/internal/model"
)

var (
	rlSource string
	rlRegion string
	rlFor    time.Duration
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect and tune per-key rate limits",
	Long:  "Shows and changes the pacing of each (source type, region) key in the shared rate limit store.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return validateFor("ratelimit")
	},
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every configured key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cfgs, err := env.Limiter.Snapshot(ctx)
		if err != nil {
			return err
		}
		if len(cfgs) == 0 {
			zap.L().Info("no rate limits configured", zap.Float64("default_rps", cfg.RateLimit.DefaultRPS))
			return nil
		}
		formatRateLimits(os.Stdout, cfgs, time.Now().UTC())
		return nil
	},
}

var ratelimitSetCmd = &cobra.Command{
	Use:   "set <requests-per-second>",
	Short: "Set the pace of one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rps, err := strconv.ParseFloat(args[0], 64)
		if err != nil || rps <= 0 {
			return eris.Errorf("requests per second must be a positive number, got %q", args[0])
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		key := rateLimitKey()
		if err := env.Limiter.Configure(ctx, key, rps); err != nil {
			return err
		}
		zap.L().Info("rate limit set", zap.Stringer("key", key), zap.Float64("rps", rps))
		return nil
	},
}

var ratelimitThrottleCmd = &cobra.Command{
	Use:   "throttle",
	Short: "Block one key for a while",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rlFor <= 0 {
			return eris.New("--for must be positive")
		}
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		key := rateLimitKey()
		until := time.Now().UTC().Add(rlFor)
		if err := env.Limiter.Throttle(ctx, key, until); err != nil {
			return err
		}
		zap.L().Info("key throttled", zap.Stringer("key", key), zap.Time("until", until))
		return nil
	},
}

var ratelimitUnthrottleCmd = &cobra.Command{
	Use:   "unthrottle",
	Short: "Clear the throttle of one key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		key := rateLimitKey()
		if err := env.Limiter.Unthrottle(ctx, key); err != nil {
			return err
		}
		zap.L().Info("key unthrottled", zap.Stringer("key", key))
		return nil
	},
}

var ratelimitSeedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Apply a YAML rate limit seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return applySeed(ctx, env.Limiter, args[0])
	},
}

func rateLimitKey() model.TaskKey {
	return model.ScrapeTask{RegionKey: rlRegion, SourceType: rlSource}.Normalize().Key()
}

func init() {
	for _, c := range []*cobra.Command{ratelimitSetCmd, ratelimitThrottleCmd, ratelimitUnthrottleCmd} {
		c.Flags().StringVar(&rlSource, "source", "", "source type")
		c.Flags().StringVar(&rlRegion, "region", "", "region key")
		_ = c.MarkFlagRequired("source")
		_ = c.MarkFlagRequired("region")
	}
	ratelimitThrottleCmd.Flags().DurationVar(&rlFor, "for", time.Hour, "how long to block the key")

	ratelimitCmd.AddCommand(ratelimitStatusCmd, ratelimitSetCmd, ratelimitThrottleCmd, ratelimitUnthrottleCmd, ratelimitSeedCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

// formatRateLimits writes a tabular representation of cfgs to out.
func formatRateLimits(out io.Writer, cfgs []model.RateLimitConfig, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tREGION\tRPS\tTHROTTLED\tLAST REQUEST\tTOTAL\tAVG MS")
	_, _ = fmt.Fprintln(w, "------\t------\t---\t---------\t------------\t-----\t------")

	for i := range cfgs {
		c := &cfgs[i]
		throttled := "-"
		if c.ThrottledAt(now) {
			throttled = "until " + c.ThrottledUntil.Format("15:04:05")
		}
		last := "-"
		if c.LastRequestAt != nil {
			last = c.LastRequestAt.Format("2006-01-02 15:04:05")
		}
		var avg int64
		if c.TotalRequests > 0 {
			avg = c.TotalDurationMs / c.TotalRequests
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%d\t%d\n",
			c.SourceType,
			c.RegionKey,
			c.RequestsPerSecond,
			throttled,
			last,
			c.TotalRequests,
			avg,
		)
	}
	_ = w.Flush()
}
