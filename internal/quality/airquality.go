package quality

import (
	"context"
	"time"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/logging"
)

// AirQualityColumns must be present before load
var AirQualityColumns = []string{"timestamp", "temperature", "humidity", "wind_speed", "pm10", "pm25"}

// AirQualityRanges are the plausible physical bounds per column:
// °C, %, km/h and μg/m³ for both particulate sizes
var AirQualityRanges = []RangeRule{
	{Column: "temperature", Min: -50, Max: 60},
	{Column: "humidity", Min: 0, Max: 100},
	{Column: "wind_speed", Min: 0, Max: 200},
	{Column: "pm10", Min: 0, Max: 500},
	{Column: "pm25", Min: 0, Max: 300},
}

// Options tune ValidateAirQuality
type Options struct {
	// ReportPath, when set, receives a report if any violation is found
	ReportPath string
	// MaxAge enables the freshness check when positive
	MaxAge time.Duration
	// Now overrides the clock used by the freshness check
	Now    func() time.Time
	Logger *logging.StructuredLogger
}

// Result summarizes one validation pass
type Result struct {
	Passed          bool        `json:"passed"`
	Score           float64     `json:"quality_score"`
	ViolationsCount int         `json:"violations_count"`
	Violations      []Violation `json:"violations"`
	ReportFile      string      `json:"report_file,omitempty"`
}

// ValidateAirQuality runs the standard check set over merged records
func ValidateAirQuality(ctx context.Context, records []models.Record, opts Options) Result {
	return ValidateTable(ctx, RecordTable(records), opts)
}

// ValidateTable runs the standard check set over a prepared table. When the
// table carries a "city" column, uniqueness is keyed on city and time.
// A failed report write is logged and does not change the result.
func ValidateTable(ctx context.Context, t *Table, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	checker := NewChecker(logger)
	if opts.Now != nil {
		checker.now = opts.Now
	}

	checker.CheckSchema(ctx, t, AirQualityColumns)
	checker.CheckNullValues(ctx, t, []string{"timestamp"})
	checker.CheckRanges(ctx, t, AirQualityRanges)
	if opts.MaxAge > 0 {
		checker.CheckFreshness(ctx, t, "timestamp", opts.MaxAge)
	}
	if t.HasColumn("time") {
		key := []string{"time"}
		if t.HasColumn("city") {
			key = []string{"city", "time"}
		}
		checker.CheckUniqueness(ctx, t, key)
	}

	result := Result{
		Passed:          checker.Passed(),
		Score:           checker.Score(),
		ViolationsCount: len(checker.violations),
		Violations:      checker.Violations(),
	}

	if opts.ReportPath != "" {
		path, err := checker.GenerateReport(ctx, opts.ReportPath)
		if err != nil {
			logger.Error(ctx, "[DQ_REPORT_ERROR] Failed to write quality report", logging.Fields{
				"path": opts.ReportPath,
			}, err)
		}
		result.ReportFile = path
	}

	return result
}

// CityTable stacks several cities' records into one table with a leading "city" column.
// Cities are laid out in the given order.
func CityTable(order []string, byCity map[string][]models.Record) *Table {
	var (
		names []interface{}
		all   []models.Record
	)
	for _, city := range order {
		for _, r := range byCity[city] {
			names = append(names, city)
			all = append(all, r)
		}
	}

	base := RecordTable(all)
	t := NewTable(len(all))
	if names == nil {
		names = []interface{}{}
	}
	_ = t.AddColumn("city", names)
	for _, col := range base.Columns() {
		_ = t.AddColumn(col, base.Column(col))
	}
	return t
}
