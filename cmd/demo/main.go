package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"airquality-platform/internal/app"
	"airquality-platform/internal/models"
	"airquality-platform/internal/predict"
	"airquality-platform/internal/quality"
	"airquality-platform/internal/transform"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Fetches, merges, predicts and checks every city without touching a database
func main() {
	only := flag.String("city", "", "Process only this city")
	report := flag.String("report", "", "Write quality violations to this file (.csv or .parquet)")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Println("════════════════════════════════════════════════════════════════")
	fmt.Println("AIR QUALITY PLATFORM - PIPELINE DEMONSTRATION (NO DATABASE)")
	fmt.Println("════════════════════════════════════════════════════════════════")
	fmt.Println()

	logger := app.NewLogger("airquality-demo", cfg.Logging)
	ctx := context.Background()

	client := app.NewSourceClient(cfg.Source, logger, metrics.NewNopCollector())
	pipelineCfg := app.PipelineConfig(cfg.Pipeline)

	var (
		order  []string
		byCity = map[string][]models.Record{}
		total  int
	)

	for _, city := range pipelineCfg.Cities {
		if *only != "" && !strings.EqualFold(city.Name, *only) {
			continue
		}

		fmt.Printf("─────────────────────────────────────────────────────────────\n")
		fmt.Printf("City: %s (%s) %.4f, %.4f\n", city.Name, city.CountryCode, city.Latitude, city.Longitude)
		fmt.Printf("─────────────────────────────────────────────────────────────\n")

		records := transform.MergePayloads(client.Fetch(ctx, city))
		if len(records) == 0 {
			fmt.Println("  no joined rows, skipped")
			fmt.Println()
			continue
		}

		predicted, fit := predict.FitAndPredict(records, pipelineCfg.Model)
		order = append(order, city.Name)
		byCity[city.Name] = predicted
		total += len(predicted)

		fmt.Printf("  rows:            %d\n", len(predicted))
		fmt.Printf("  training rows:   %d\n", fit.TrainingRows)
		switch {
		case fit.Skipped:
			fmt.Printf("  model:           skipped (fewer than %d complete rows)\n", pipelineCfg.Model.MinTrainingRows)
		case fit.LowConfidence:
			fmt.Printf("  model:           R²=%.3f LOW CONFIDENCE\n", *fit.RSquared)
		default:
			fmt.Printf("  model:           R²=%.3f\n", *fit.RSquared)
		}

		last := predicted[len(predicted)-1]
		fmt.Printf("  latest (%s): pm2.5=%s predicted=%s\n", last.Time, format(last.PM25), format(last.PredictedPM25))
		fmt.Println()
	}

	if total == 0 {
		logger.Warn(ctx, "[DEMO_NO_DATA] No city returned data", logging.Fields{})
		os.Exit(1)
	}

	result := quality.ValidateTable(ctx, quality.CityTable(order, byCity), quality.Options{
		ReportPath: *report,
		MaxAge:     cfg.Pipeline.MaxDataAge,
		Logger:     logger,
	})

	fmt.Println("════════════════════════════════════════════════════════════════")
	fmt.Printf("Cities with data: %d\n", len(order))
	fmt.Printf("Total rows:       %d\n", total)
	fmt.Printf("Quality score:    %.0f/100 (%d violations)\n", result.Score, result.ViolationsCount)
	for _, v := range result.Violations {
		fmt.Printf("  [%s] %s\n", v.Severity, v.Message)
	}
	if result.ReportFile != "" {
		fmt.Printf("Report:           %s\n", result.ReportFile)
	}
	fmt.Println("════════════════════════════════════════════════════════════════")
}

func format(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}
