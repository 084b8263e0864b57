package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/soundrooms/internal/adapters/redisstore"
	"github.com/dkeye/soundrooms/internal/app/peersync"
	"github.com/dkeye/soundrooms/internal/core"
)

func limitsCmd() *cobra.Command {
	var (
		rec    core.RateLimitRecord
		set    bool
		reload bool
	)

	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Show or change the stored rate limiter settings",
		Long: `Show the rate limiter settings stored for this environment.

With --set the four values are saved and every running server is asked to
reload them over the sync topic.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := redisstore.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if !set {
				cur, err := store.LoadRateLimits(ctx, cfg.EnvironmentName)
				if errors.Is(err, core.ErrNotFound) {
					fmt.Fprintf(out, "no rate limiter settings stored for %s\n", cfg.EnvironmentName)
					return nil
				}
				if err != nil {
					return err
				}
				printLimits(cmd, cur)
				return nil
			}

			rec.EnvironmentName = cfg.EnvironmentName
			if err := validateLimits(rec); err != nil {
				return err
			}
			if err := store.SaveRateLimits(ctx, rec); err != nil {
				return err
			}
			printLimits(cmd, rec)
			if !reload {
				return nil
			}

			ch, err := openSync(cfg)
			if err != nil {
				return err
			}
			defer ch.Close()
			// Publishing only: the engine is never started.
			sender := peersync.New(ctx, nil, ch, store, peersync.Settings{ServerID: cfg.ServerID})
			if err := sender.RequestRateLimitReload(ctx); err != nil {
				return fmt.Errorf("request reload: %w", err)
			}
			fmt.Fprintln(out, "reload requested")
			return nil
		},
	}

	cmd.Flags().BoolVar(&set, "set", false, "Save the given settings")
	cmd.Flags().BoolVar(&reload, "reload", true, "Ask running servers to reload after --set")
	cmd.Flags().IntVar(&rec.PerClientThreshold, "per-client-threshold", 20, "Messages allowed per client per window")
	cmd.Flags().DurationVar(&rec.PerClientTTL, "per-client-ttl", time.Second, "Per-client window")
	cmd.Flags().IntVar(&rec.PerTypeThreshold, "per-type-threshold", 1, "Messages of one type allowed per client per window")
	cmd.Flags().DurationVar(&rec.PerTypeTTL, "per-type-ttl", 200*time.Millisecond, "Per-type window")

	return cmd
}

var errBadLimits = errors.New("thresholds and windows must be positive")

func validateLimits(rec core.RateLimitRecord) error {
	if rec.PerClientThreshold <= 0 || rec.PerClientTTL <= 0 || rec.PerTypeThreshold <= 0 || rec.PerTypeTTL <= 0 {
		return errBadLimits
	}
	// Stored as whole milliseconds.
	if rec.PerClientTTL < time.Millisecond || rec.PerTypeTTL < time.Millisecond {
		return fmt.Errorf("%w: windows are stored in milliseconds", errBadLimits)
	}
	return nil
}

func printLimits(cmd *cobra.Command, rec core.RateLimitRecord) {
	fmt.Fprintf(cmd.OutOrStdout(), "environment %s\n  per client: %d per %s\n  per type:   %d per %s\n",
		rec.EnvironmentName, rec.PerClientThreshold, rec.PerClientTTL, rec.PerTypeThreshold, rec.PerTypeTTL)
}
