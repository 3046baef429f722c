package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"airquality-platform/internal/app"
	"airquality-platform/internal/services"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

func main() {
	stage := flag.String("stage", "direct", "Stage to run: direct, extract, transform, validate, load or all")
	runID := flag.String("run-id", "", "Staged run to continue (default: the latest extract)")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger("airquality-pipeline", cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[PIPELINE_CLI_START] Starting pipeline", logging.Fields{
		"version": app.Version,
		"stage":   *stage,
		"run_id":  *runID,
		"cities":  len(cfg.Pipeline.Cities),
	})

	metricsCollector := metrics.NewCollector(app.MetricsNamespace, nil)

	svc, closeAll, err := app.NewPipeline(ctx, cfg, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[PIPELINE_CLI_ERROR] Failed to initialize pipeline", logging.Fields{}, err)
	}

	result, err := run(ctx, svc, *stage, *runID)
	if closeErr := closeAll(); closeErr != nil {
		logger.Warn(ctx, "[PIPELINE_CLI_CLOSE] Failed to release resources", logging.Fields{
			"error": closeErr.Error(),
		})
	}

	if out, _ := json.MarshalIndent(result, "", "  "); len(out) > 0 && string(out) != "null" {
		fmt.Println(string(out))
	}
	if err != nil {
		logger.Error(ctx, "[PIPELINE_CLI_ERROR] Pipeline failed", logging.Fields{
			"stage": *stage,
		}, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, svc *services.PipelineService, stage, runID string) (interface{}, error) {
	switch stage {
	case services.StageDirect:
		return svc.RunDirect(ctx)
	case services.StageExtract:
		id, err := svc.Extract(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"run_id": id}, nil
	case services.StageTransform:
		return svc.Transform(ctx, runID)
	case services.StageValidate:
		return svc.Validate(ctx, runID)
	case services.StageLoad:
		return svc.Load(ctx, runID)
	case "all":
		return svc.RunStaged(ctx)
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}
}
