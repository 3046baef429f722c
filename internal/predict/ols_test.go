package predict

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/models"
)

func f(v float64) *float64 { return &v }

func record(hour int, temp, wind, hum, pm25 *float64) models.Record {
	ts := time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
	return models.Record{
		Time:        ts.Format("2006-01-02T15:04"),
		Timestamp:   ts,
		Temperature: temp,
		WindSpeed:   wind,
		Humidity:    hum,
		PM25:        pm25,
	}
}

// linearRecords builds rows with pm25 = 2 + 1.5*T - 0.5*W + 0.1*H exactly
func linearRecords(n int) []models.Record {
	records := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		temp := float64(i)
		wind := float64((i * 7) % 5)
		hum := float64(40 + (i*3)%11)
		pm := 2 + 1.5*temp - 0.5*wind + 0.1*hum
		records = append(records, record(i, f(temp), f(wind), f(hum), f(pm)))
	}
	return records
}

func TestFitAndPredict_ExactLinearRelation(t *testing.T) {
	records := linearRecords(12)

	out, fit := FitAndPredict(records, DefaultConfig())
	require.Len(t, out, 12)

	assert.False(t, fit.Skipped)
	assert.Equal(t, 12, fit.TrainingRows)
	require.NotNil(t, fit.RSquared)
	assert.InDelta(t, 1.0, *fit.RSquared, 1e-9)
	assert.False(t, fit.LowConfidence)
	assert.InDelta(t, 2.0, fit.Intercept, 1e-6)
	assert.InDelta(t, 1.5, fit.Coefficients[0], 1e-6)
	assert.InDelta(t, -0.5, fit.Coefficients[1], 1e-6)
	assert.InDelta(t, 0.1, fit.Coefficients[2], 1e-6)

	for i, r := range out {
		require.NotNil(t, r.PredictedPM25, "row %d", i)
		want := math.Round(*records[i].PM25*100) / 100
		assert.InDelta(t, want, *r.PredictedPM25, 1e-9, "row %d", i)
	}
}

func TestFitAndPredict_TrainingFloor(t *testing.T) {
	tests := []struct {
		name        string
		complete    int
		wantSkipped bool
	}{
		{name: "nine complete rows", complete: 9, wantSkipped: true},
		{name: "ten complete rows", complete: 10, wantSkipped: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := linearRecords(tt.complete)
			// rows lacking PM2.5 never count toward the floor
			records = append(records, record(20, f(1), f(1), f(1), nil), record(21, f(2), f(2), f(2), nil))

			out, fit := FitAndPredict(records, DefaultConfig())
			assert.Equal(t, tt.complete, fit.TrainingRows)
			assert.Equal(t, tt.wantSkipped, fit.Skipped)

			for _, r := range out {
				if tt.wantSkipped {
					assert.Nil(t, r.PredictedPM25)
				} else {
					assert.NotNil(t, r.PredictedPM25)
				}
			}
			if tt.wantSkipped {
				assert.Nil(t, fit.RSquared)
			}
		})
	}
}

func TestFitAndPredict_EmptyInput(t *testing.T) {
	out, fit := FitAndPredict(nil, DefaultConfig())
	assert.Empty(t, out)
	assert.True(t, fit.Skipped)
	assert.Equal(t, 0, fit.TrainingRows)
}

func TestFitAndPredict_LowConfidence(t *testing.T) {
	// pm25 alternates independently of temperature; wind and humidity are constant
	var records []models.Record
	for i := 1; i <= 12; i++ {
		pm := 10.0
		if i%2 == 0 {
			pm = 20.0
		}
		records = append(records, record(i, f(float64(i)), f(3), f(50), f(pm)))
	}

	out, fit := FitAndPredict(records, DefaultConfig())

	require.NotNil(t, fit.RSquared)
	assert.InDelta(t, 900.0/42900.0, *fit.RSquared, 1e-9)
	assert.True(t, fit.LowConfidence)
	assert.Equal(t, 0.0, fit.Coefficients[1], "constant wind speed gets a zero coefficient")
	assert.Equal(t, 0.0, fit.Coefficients[2], "constant humidity gets a zero coefficient")

	for _, r := range out {
		assert.NotNil(t, r.PredictedPM25, "low-confidence fits still predict")
	}
}

func TestFitAndPredict_CollinearPredictors(t *testing.T) {
	var records []models.Record
	for i := 0; i < 12; i++ {
		temp := float64(i)
		// humidity is an exact linear function of temperature
		hum := 30 + 2*temp
		records = append(records, record(i, f(temp), f(float64(i%3)), f(hum), f(5+temp)))
	}

	out, fit := FitAndPredict(records, DefaultConfig())

	require.NotNil(t, fit.RSquared)
	assert.InDelta(t, 1.0, *fit.RSquared, 1e-9)
	for i, r := range out {
		require.NotNil(t, r.PredictedPM25)
		assert.InDelta(t, 5+float64(i), *r.PredictedPM25, 1e-6)
	}
}

func TestFitAndPredict_ImputesMissingPredictors(t *testing.T) {
	records := linearRecords(12)
	// a forecast hour with no temperature and no PM2.5
	records = append(records, record(13, nil, f(0), f(40), nil))

	out, fit := FitAndPredict(records, DefaultConfig())
	require.False(t, fit.Skipped)

	var meanTemp float64
	for _, r := range records[:12] {
		meanTemp += *r.Temperature
	}
	meanTemp /= 12

	want := math.Round((2+1.5*meanTemp-0.5*0+0.1*40)*100) / 100
	require.NotNil(t, out[12].PredictedPM25)
	assert.InDelta(t, want, *out[12].PredictedPM25, 1e-6)
}

func TestFitAndPredict_ConstantTarget(t *testing.T) {
	var records []models.Record
	for i := 0; i < 10; i++ {
		records = append(records, record(i, f(float64(i)), f(float64(i%4)), f(50), f(7)))
	}

	_, fit := FitAndPredict(records, DefaultConfig())
	require.NotNil(t, fit.RSquared)
	assert.Equal(t, 1.0, *fit.RSquared)
	assert.False(t, fit.LowConfidence)
}

func TestFitAndPredict_InputUnchanged(t *testing.T) {
	records := linearRecords(12)
	records[0].PredictedPM25 = f(-1)

	out, _ := FitAndPredict(records, DefaultConfig())

	assert.InDelta(t, -1.0, *records[0].PredictedPM25, 1e-9)
	assert.NotEqual(t, -1.0, *out[0].PredictedPM25)
}
