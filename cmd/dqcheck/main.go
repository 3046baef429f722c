package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"airquality-platform/internal/app"
	"airquality-platform/internal/models"
	"airquality-platform/internal/quality"
	"airquality-platform/pkg/logging"
)

func main() {
	runID := flag.String("run-id", "", "Staged run to check (default: the latest extract)")
	report := flag.String("report", "", "Write violations to this file (.csv or .parquet)")
	maxAge := flag.Duration("max-age", 0, "Flag data older than this; 0 disables the freshness check (default: the configured max data age)")
	strict := flag.Bool("strict", false, "Exit with status 2 when any violation is found")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger("airquality-dqcheck", cfg.Logging)
	ctx := context.Background()

	store, closeStore, err := app.NewStagingStore(ctx, cfg.Staging, logger)
	if err != nil {
		logger.Fatal(ctx, "[DQCHECK_ERROR] Failed to open staging store", logging.Fields{}, err)
	}
	defer closeStore()

	id, err := store.ResolveRun(ctx, *runID)
	if err != nil {
		logger.Fatal(ctx, "[DQCHECK_ERROR] No run to check", logging.Fields{}, err)
	}
	ctx = logging.ContextWithRunID(ctx, id)

	art, err := store.ReadTransform(ctx, id)
	if err != nil {
		logger.Fatal(ctx, "[DQCHECK_ERROR] Failed to read transformed records", logging.Fields{}, err)
	}

	order := make([]string, 0, len(art.Cities))
	byCity := make(map[string][]models.Record, len(art.Cities))
	for _, c := range art.Cities {
		order = append(order, c.City.Name)
		byCity[c.City.Name] = c.Records
	}

	result := quality.ValidateTable(ctx, quality.CityTable(order, byCity), quality.Options{
		ReportPath: *report,
		MaxAge:     freshnessWindow(flag.CommandLine, *maxAge, cfg.Pipeline.MaxDataAge),
		Logger:     logger,
	})

	bySeverity := quality.CountBySeverity(result.Violations)
	logger.Info(ctx, "[DQCHECK_COMPLETE] Quality check finished", logging.Fields{
		"quality_score": result.Score,
		"violations":    severitySummary(bySeverity),
	})

	out, _ := json.MarshalIndent(struct {
		RunID      string                   `json:"run_id"`
		Rows       int                      `json:"rows"`
		BySeverity map[quality.Severity]int `json:"by_severity"`
		quality.Result
	}{RunID: id, Rows: art.TotalRows(), BySeverity: bySeverity, Result: result}, "", "  ")
	fmt.Println(string(out))

	if *strict && !result.Passed {
		os.Exit(2)
	}
}

// freshnessWindow uses -max-age when it was given, so 0 can switch the check
// off, and the configured age otherwise
func freshnessWindow(fs *flag.FlagSet, flagValue, configured time.Duration) time.Duration {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "max-age" {
			set = true
		}
	})
	if set {
		return flagValue
	}
	return configured
}

// severitySummary renders counts most severe first, e.g. "CRITICAL=1 WARNING=2"
func severitySummary(counts map[quality.Severity]int) string {
	parts := make([]string, 0, len(counts))
	for _, s := range quality.SortedSeverities(counts) {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
