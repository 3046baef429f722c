package quality

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"airquality-platform/pkg/logging"
)

var reportHeader = []string{"check", "severity", "column", "columns", "count", "rate", "threshold", "message"}

// violationRow is the Parquet layout of a Violation
type violationRow struct {
	Check     string  `parquet:"name=check, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Severity  string  `parquet:"name=severity, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Column    string  `parquet:"name=column, type=BYTE_ARRAY, convertedtype=UTF8"`
	Columns   string  `parquet:"name=columns, type=BYTE_ARRAY, convertedtype=UTF8"`
	Count     int64   `parquet:"name=count, type=INT64"`
	Rate      float64 `parquet:"name=rate, type=DOUBLE"`
	Threshold string  `parquet:"name=threshold, type=BYTE_ARRAY, convertedtype=UTF8"`
	Message   string  `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// GenerateReport writes the violations to path and returns it. Nothing is written
// and "" is returned when there are no violations. A ".parquet" suffix selects
// Parquet, anything else CSV.
func (c *Checker) GenerateReport(ctx context.Context, path string) (string, error) {
	if len(c.violations) == 0 {
		c.logger.Info(ctx, "[DQ_REPORT] No violations, report skipped", logging.Fields{})
		return "", nil
	}

	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		data, err = encodeParquet(c.violations)
	} else {
		data, err = encodeCSV(c.violations)
	}
	if err != nil {
		return "", err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write quality report: %w", err)
	}

	c.logger.Info(ctx, "[DQ_REPORT] Quality report written", logging.Fields{
		"path":       path,
		"violations": len(c.violations),
	})
	return path, nil
}

func encodeCSV(violations []Violation) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(reportHeader); err != nil {
		return nil, fmt.Errorf("failed to write report header: %w", err)
	}
	for _, v := range violations {
		row := []string{
			v.Check,
			string(v.Severity),
			v.Column,
			strings.Join(v.Columns, ";"),
			strconv.Itoa(v.Count),
			strconv.FormatFloat(v.Rate, 'f', 2, 64),
			v.Threshold,
			v.Message,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write report row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush report: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeParquet(violations []Violation) (data []byte, err error) {
	buf := new(bytes.Buffer)
	pw, err := writer.NewParquetWriterFromWriter(buf, new(violationRow), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, v := range violations {
		row := violationRow{
			Check:     v.Check,
			Severity:  string(v.Severity),
			Column:    v.Column,
			Columns:   strings.Join(v.Columns, ";"),
			Count:     int64(v.Count),
			Rate:      v.Rate,
			Threshold: v.Threshold,
			Message:   v.Message,
		}
		if err := pw.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write parquet row: %w", err)
		}
	}

	// WriteStop can panic on internal writer errors
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("parquet writer panicked: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet report: %w", err)
	}
	return buf.Bytes(), nil
}
