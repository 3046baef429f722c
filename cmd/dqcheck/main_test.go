package main

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/quality"
)

func newFlags(t *testing.T, args ...string) (*flag.FlagSet, *time.Duration) {
	t.Helper()
	fs := flag.NewFlagSet("dqcheck", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	maxAge := fs.Duration("max-age", 0, "")
	require.NoError(t, fs.Parse(args))
	return fs, maxAge
}

func TestFreshnessWindow(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want time.Duration
	}{
		{name: "not given uses config", args: nil, want: 2 * time.Hour},
		{name: "explicit zero disables", args: []string{"-max-age=0"}, want: 0},
		{name: "explicit value wins", args: []string{"-max-age=30m"}, want: 30 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, maxAge := newFlags(t, tt.args...)
			assert.Equal(t, tt.want, freshnessWindow(fs, *maxAge, 2*time.Hour))
		})
	}
}

func TestSeveritySummary(t *testing.T) {
	assert.Equal(t, "none", severitySummary(nil))

	counts := quality.CountBySeverity([]quality.Violation{
		{Severity: quality.SeverityWarning},
		{Severity: quality.SeverityCritical},
		{Severity: quality.SeverityWarning},
	})
	assert.Equal(t, "CRITICAL=1 WARNING=2", severitySummary(counts))
}
