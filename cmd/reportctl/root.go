package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/reportflow/internal/config"
	"github.com/muaviaUsmani/reportflow/pkg/client"
)

var (
	redisURL     string
	outputFormat string
	noColor      bool
)

var rootCmd = &cobra.Command{
	Use:           "reportctl",
	Short:         "Manage report schedules and historical backfills",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (defaults to REDIS_URL)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colorized output")

	rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"table", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(scheduleCmd, backfillCmd, reportCmd)
}

// newClient builds a client from the environment configuration, with
// --redis-url taking precedence
func newClient(ctx context.Context) (*client.Client, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	url := cfg.RedisURL
	if redisURL != "" {
		url = redisURL
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	rc := redis.NewClient(opts)
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c := client.NewWithRedis(rc, client.Options{
		DataLagDays:        cfg.DataLagDays,
		MaxLookbackDays:    cfg.MaxLookbackDays,
		FailureThreshold:   int64(cfg.FailureThreshold),
		AutoPauseOnFailure: cfg.AutoPauseOnFailure,
	})
	return c, func() { rc.Close() }, nil
}

// withClient runs fn with a connected client
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, closeFn, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, c)
}
