package quality

import (
	"fmt"
	"time"

	"airquality-platform/internal/models"
)

// Table is a column-oriented dataset the checks operate on.
// Cells hold float64, string or time.Time; nil is a missing value.
type Table struct {
	columns []string
	data    map[string][]interface{}
	rows    int
}

// NewTable creates an empty table with a fixed row count
func NewTable(rows int) *Table {
	return &Table{data: make(map[string][]interface{}), rows: rows}
}

// AddColumn appends a column. Its length must match the table's row count.
func (t *Table) AddColumn(name string, values []interface{}) error {
	if len(values) != t.rows {
		return fmt.Errorf("column %s has %d values, table has %d rows", name, len(values), t.rows)
	}
	if _, exists := t.data[name]; exists {
		return fmt.Errorf("column %s already exists", name)
	}
	t.columns = append(t.columns, name)
	t.data[name] = values
	return nil
}

// Len returns the row count
func (t *Table) Len() int { return t.rows }

// Columns returns column names in insertion order
func (t *Table) Columns() []string {
	return append([]string(nil), t.columns...)
}

// HasColumn reports whether name exists
func (t *Table) HasColumn(name string) bool {
	_, ok := t.data[name]
	return ok
}

// Column returns the raw cells of name, or nil if absent
func (t *Table) Column(name string) []interface{} {
	return t.data[name]
}

// RecordTable lays out merged records as the columns checked before load
func RecordTable(records []models.Record) *Table {
	n := len(records)
	cols := map[string][]interface{}{
		"time":           make([]interface{}, n),
		"timestamp":      make([]interface{}, n),
		"temperature":    make([]interface{}, n),
		"humidity":       make([]interface{}, n),
		"wind_speed":     make([]interface{}, n),
		"pm10":           make([]interface{}, n),
		"pm25":           make([]interface{}, n),
		"predicted_pm25": make([]interface{}, n),
	}

	for i, r := range records {
		if r.Time != "" {
			cols["time"][i] = r.Time
		}
		if !r.Timestamp.IsZero() {
			cols["timestamp"][i] = r.Timestamp
		}
		cols["temperature"][i] = cell(r.Temperature)
		cols["humidity"][i] = cell(r.Humidity)
		cols["wind_speed"][i] = cell(r.WindSpeed)
		cols["pm10"][i] = cell(r.PM10)
		cols["pm25"][i] = cell(r.PM25)
		cols["predicted_pm25"][i] = cell(r.PredictedPM25)
	}

	t := NewTable(n)
	for _, name := range []string{"time", "timestamp", "temperature", "humidity", "wind_speed", "pm10", "pm25", "predicted_pm25"} {
		// lengths match by construction
		_ = t.AddColumn(name, cols[name])
	}
	return t
}

func cell(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		ts, err := models.ParseObservationTime(x)
		return ts, err == nil
	default:
		return time.Time{}, false
	}
}
