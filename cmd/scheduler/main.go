package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"airquality-platform/internal/app"
	"airquality-platform/internal/scheduler"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

func main() {
	runNow := flag.Bool("run-now", false, "Run the job once immediately before waiting for the schedule")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger("airquality-scheduler", cfg.Logging)
	ctx := context.Background()

	logger.Info(ctx, "[SCHEDULER_CLI_START] Starting pipeline scheduler", logging.Fields{
		"version": app.Version,
		"mode":    cfg.Scheduler.Mode,
		"cron":    cfg.Scheduler.Cron,
		"retries": cfg.Scheduler.Retries,
	})

	metricsCollector := metrics.NewCollector(app.MetricsNamespace, nil)

	svc, closeAll, err := app.NewPipeline(ctx, cfg, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[SCHEDULER_CLI_ERROR] Failed to initialize pipeline", logging.Fields{}, err)
	}
	defer closeAll()

	job, err := scheduler.PipelineJob(svc, cfg.Scheduler.Mode)
	if err != nil {
		logger.Fatal(ctx, "[SCHEDULER_CLI_ERROR] Invalid scheduler mode", logging.Fields{}, err)
	}

	s := scheduler.New(scheduler.Config{
		Name:       "airquality-" + cfg.Scheduler.Mode,
		Cron:       cfg.Scheduler.Cron,
		Retries:    cfg.Scheduler.Retries,
		RetryDelay: cfg.Scheduler.RetryDelay,
	}, job, logger)

	if *runNow {
		if err := s.Run(ctx); err != nil {
			logger.Error(ctx, "[SCHEDULER_CLI_ERROR] Initial run failed", logging.Fields{}, err)
		}
	}

	if err := s.Start(); err != nil {
		logger.Fatal(ctx, "[SCHEDULER_CLI_ERROR] Failed to start scheduler", logging.Fields{}, err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Stopping scheduler...", logging.Fields{})
	s.Stop()
	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Scheduler stopped", logging.Fields{})
}
