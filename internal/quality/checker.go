// Package quality runs data quality checks and scores the result.
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"airquality-platform/pkg/logging"
)

// Severity of a violation
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
)

// Penalty is the score deduction for one violation of this severity
func (s Severity) Penalty() float64 {
	switch s {
	case SeverityCritical:
		return 30
	case SeverityError:
		return 20
	default:
		return 10
	}
}

// Violation is one failed check
type Violation struct {
	Check     string   `json:"check"`
	Severity  Severity `json:"severity"`
	Column    string   `json:"column,omitempty"`
	Columns   []string `json:"columns,omitempty"`
	Count     int      `json:"count"`
	Rate      float64  `json:"rate"` // percent of rows
	Threshold string   `json:"threshold,omitempty"`
	Message   string   `json:"message"`
}

// RangeRule bounds a numeric column, inclusive
type RangeRule struct {
	Column string
	Min    float64
	Max    float64
}

// Checker accumulates violations across independent checks.
// It is not safe for concurrent use.
type Checker struct {
	violations []Violation
	logger     *logging.StructuredLogger
	now        func() time.Time
}

// NewChecker creates an empty checker
func NewChecker(logger *logging.StructuredLogger) *Checker {
	return &Checker{logger: logger, now: time.Now}
}

// CheckSchema fails with one CRITICAL violation listing every missing column
func (c *Checker) CheckSchema(ctx context.Context, t *Table, required []string) bool {
	var missing []string
	for _, col := range required {
		if !t.HasColumn(col) {
			missing = append(missing, col)
		}
	}
	if len(missing) == 0 {
		return true
	}

	c.add(ctx, Violation{
		Check:    "schema",
		Severity: SeverityCritical,
		Columns:  missing,
		Count:    len(missing),
		Message:  fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", ")),
	})
	return false
}

// CheckNullValues adds a WARNING per listed column that contains missing values.
// Absent columns are skipped.
func (c *Checker) CheckNullValues(ctx context.Context, t *Table, columns []string) bool {
	passed := true
	for _, col := range columns {
		values := t.Column(col)
		if values == nil {
			continue
		}

		nulls := 0
		for _, v := range values {
			if v == nil {
				nulls++
			}
		}
		if nulls == 0 {
			continue
		}

		rate := percent(nulls, t.Len())
		c.add(ctx, Violation{
			Check:    "null_values",
			Severity: SeverityWarning,
			Column:   col,
			Count:    nulls,
			Rate:     rate,
			Message:  fmt.Sprintf("column %s has %d missing values (%.2f%%)", col, nulls, rate),
		})
		passed = false
	}
	return passed
}

// CheckRanges adds an ERROR per rule whose column has values outside [Min, Max].
// Missing values and absent columns are ignored.
func (c *Checker) CheckRanges(ctx context.Context, t *Table, rules []RangeRule) bool {
	passed := true
	for _, rule := range rules {
		values := t.Column(rule.Column)
		if values == nil {
			continue
		}

		outside := 0
		for _, v := range values {
			f, ok := asFloat(v)
			if !ok {
				continue
			}
			if f < rule.Min || f > rule.Max {
				outside++
			}
		}
		if outside == 0 {
			continue
		}

		rate := percent(outside, t.Len())
		threshold := fmt.Sprintf("[%g, %g]", rule.Min, rule.Max)
		c.add(ctx, Violation{
			Check:     "range",
			Severity:  SeverityError,
			Column:    rule.Column,
			Count:     outside,
			Rate:      rate,
			Threshold: threshold,
			Message:   fmt.Sprintf("column %s: %d values outside %s", rule.Column, outside, threshold),
		})
		passed = false
	}
	return passed
}

// CheckFreshness adds a WARNING when the oldest timestamp is older than maxAge.
// An absent column passes with a log line; a column without parseable timestamps passes silently.
func (c *Checker) CheckFreshness(ctx context.Context, t *Table, column string, maxAge time.Duration) bool {
	values := t.Column(column)
	if values == nil {
		c.logger.Warn(ctx, "[DQ_FRESHNESS_SKIPPED] Timestamp column not found", logging.Fields{
			"column": column,
		})
		return true
	}

	var oldest time.Time
	for _, v := range values {
		ts, ok := asTime(v)
		if !ok {
			continue
		}
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	if oldest.IsZero() {
		return true
	}

	age := c.now().Sub(oldest)
	if age <= maxAge {
		return true
	}

	c.add(ctx, Violation{
		Check:     "freshness",
		Severity:  SeverityWarning,
		Column:    column,
		Count:     1,
		Threshold: maxAge.String(),
		Message: fmt.Sprintf("stale data: oldest record %s is %.2f hours old",
			oldest.UTC().Format(time.RFC3339), age.Hours()),
	})
	return false
}

// CheckUniqueness adds an ERROR when rows repeat on the key columns.
// Every member of a duplicate group is counted, not just the repeats.
func (c *Checker) CheckUniqueness(ctx context.Context, t *Table, columns []string) bool {
	for _, col := range columns {
		if !t.HasColumn(col) {
			return true
		}
	}

	counts := make(map[string]int, t.Len())
	keys := make([]string, t.Len())
	for i := 0; i < t.Len(); i++ {
		parts := make([]string, len(columns))
		for j, col := range columns {
			parts[j] = keyPart(t.Column(col)[i])
		}
		keys[i] = strings.Join(parts, "\x1f")
		counts[keys[i]]++
	}

	duplicated := 0
	for _, k := range keys {
		if counts[k] > 1 {
			duplicated++
		}
	}
	if duplicated == 0 {
		return true
	}

	c.add(ctx, Violation{
		Check:    "uniqueness",
		Severity: SeverityError,
		Columns:  append([]string(nil), columns...),
		Count:    duplicated,
		Rate:     percent(duplicated, t.Len()),
		Message:  fmt.Sprintf("%d duplicated rows on %s", duplicated, strings.Join(columns, ", ")),
	})
	return false
}

// Violations returns the recorded violations in order
func (c *Checker) Violations() []Violation {
	return append([]Violation(nil), c.violations...)
}

// Passed reports whether no violation was recorded
func (c *Checker) Passed() bool {
	return len(c.violations) == 0
}

// Score is 100 minus the severity penalties, floored at 0
func (c *Checker) Score() float64 {
	return Score(c.violations)
}

// Score computes the quality score of a violation list
func Score(violations []Violation) float64 {
	penalty := 0.0
	for _, v := range violations {
		penalty += v.Severity.Penalty()
	}
	return math.Max(0, 100-penalty)
}

// CountBySeverity tallies violations per severity
func CountBySeverity(violations []Violation) map[Severity]int {
	counts := make(map[Severity]int, 3)
	for _, v := range violations {
		counts[v.Severity]++
	}
	return counts
}

// SortedSeverities lists the severities present, most severe first
func SortedSeverities(counts map[Severity]int) []Severity {
	out := make([]Severity, 0, len(counts))
	for s := range counts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Penalty() > out[j].Penalty() })
	return out
}

func (c *Checker) add(ctx context.Context, v Violation) {
	c.violations = append(c.violations, v)

	fields := logging.Fields{
		"check":    v.Check,
		"severity": string(v.Severity),
		"count":    v.Count,
	}
	if v.Column != "" {
		fields["column"] = v.Column
	}
	if v.Severity == SeverityWarning {
		c.logger.Warn(ctx, "[DQ_VIOLATION] "+v.Message, fields)
		return
	}
	c.logger.Error(ctx, "[DQ_VIOLATION] "+v.Message, fields, nil)
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func keyPart(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "\x00"
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
