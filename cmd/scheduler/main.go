package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muaviaUsmani/reportflow/internal/backfill"
	"github.com/muaviaUsmani/reportflow/internal/clock"
	"github.com/muaviaUsmani/reportflow/internal/config"
	"github.com/muaviaUsmani/reportflow/internal/dispatch"
	"github.com/muaviaUsmani/reportflow/internal/logger"
	"github.com/muaviaUsmani/reportflow/internal/metrics"
	"github.com/muaviaUsmani/reportflow/internal/report"
	"github.com/muaviaUsmani/reportflow/internal/scheduler"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	pollerLog := log.WithComponent(logger.ComponentPoller).WithSource(logger.LogSourceInternal)
	pollerLog.Info("Scheduler starting",
		"poll_interval", cfg.PollInterval,
		"due_buffer", cfg.DueBuffer,
		"failure_threshold", cfg.FailureThreshold)

	client, err := config.ConnectRedis(cfg.RedisURL, 5, pollerLog)
	if err != nil {
		pollerLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}
	store := scheduler.NewStore(client)
	ledger := scheduler.NewLedger(client, clk)
	lookup := report.NewRedisLookup(client)
	dispatcher := dispatch.NewRedisDispatcher(client, nil, clk)

	service := scheduler.NewService(store, ledger, dispatcher, clk, scheduler.Defaults{
		FailureThreshold:   int64(cfg.FailureThreshold),
		AutoPauseOnFailure: cfg.AutoPauseOnFailure,
	})
	backfills := backfill.NewManager(backfill.NewStore(client), lookup, dispatcher, clk, backfill.Config{
		DataLagDays:     cfg.DataLagDays,
		MaxLookbackDays: cfg.MaxLookbackDays,
	})

	listener := dispatch.NewListener(client, dispatcher, cfg.ResultPollInterval)
	listener.Handle(dispatch.OwnerRun, service.HandleRunResult)
	listener.Handle(dispatch.OwnerSegment, backfills.HandleSegmentResult)
	listener.Start(ctx)

	if cfg.MetricsPort != "" {
		go func() {
			addr := ":" + cfg.MetricsPort
			pollerLog.Info("Serving metrics", "addr", addr)
			if err := metrics.Serve(ctx, addr, metrics.Default()); err != nil {
				pollerLog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	poller := scheduler.NewPoller(client, store, ledger, lookup, dispatcher, clk, scheduler.PollerConfig{
		Interval:      cfg.PollInterval,
		DueBuffer:     cfg.DueBuffer,
		BatchSize:     cfg.DueBatchSize,
		StuckRunAfter: cfg.StuckRunAfter,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		poller.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	pollerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()
	listener.Stop()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		pollerLog.Warn("Poller did not stop in time")
	}

	pollerLog.Info("Scheduler shut down successfully")
}
