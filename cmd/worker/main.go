package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

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

	workerLog := log.WithComponent(logger.ComponentWorker).WithSource(logger.LogSourceInternal)
	workerLog.Info("Segment worker starting",
		"workers", cfg.SegmentWorkers,
		"batch_size", cfg.SegmentBatchSize,
		"data_lag_days", cfg.DataLagDays)

	client, err := config.ConnectRedis(cfg.RedisURL, 5, workerLog)
	if err != nil {
		workerLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}
	lookup := report.NewRedisLookup(client)
	dispatcher := dispatch.NewRedisDispatcher(client, nil, clk)
	manager := backfill.NewManager(backfill.NewStore(client), lookup, dispatcher, clk, backfill.Config{
		DataLagDays:     cfg.DataLagDays,
		MaxLookbackDays: cfg.MaxLookbackDays,
	})
	service := scheduler.NewService(scheduler.NewStore(client), scheduler.NewLedger(client, clk), dispatcher, clk, scheduler.Defaults{
		FailureThreshold:   int64(cfg.FailureThreshold),
		AutoPauseOnFailure: cfg.AutoPauseOnFailure,
	})

	listener := dispatch.NewListener(client, dispatcher, cfg.ResultPollInterval)
	listener.Handle(dispatch.OwnerSegment, manager.HandleSegmentResult)
	listener.Handle(dispatch.OwnerRun, service.HandleRunResult)
	listener.Start(ctx)

	if cfg.MetricsPort != "" {
		go func() {
			addr := ":" + cfg.MetricsPort
			workerLog.Info("Serving metrics", "addr", addr)
			if err := metrics.Serve(ctx, addr, metrics.Default()); err != nil {
				workerLog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	pool := backfill.NewWorker(manager, backfill.WorkerConfig{
		Concurrency: cfg.SegmentWorkers,
		BatchSize:   cfg.SegmentBatchSize,
		IdleWait:    cfg.SegmentIdleWait,
	})
	pool.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	workerLog.Info("Received signal, initiating graceful shutdown", "signal", sig)

	cancel()
	pool.Stop()
	listener.Stop()

	workerLog.Info("Segment worker shut down successfully")
}
