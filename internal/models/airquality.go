package models

import (
	"time"
)

// City is a monitored location. Name is the natural key.
type City struct {
	ID          int64     `json:"city_id" db:"city_id"`
	Name        string    `json:"name" db:"name"`
	CountryCode string    `json:"country_code" db:"country_code"`
	Latitude    float64   `json:"latitude" db:"latitude"`
	Longitude   float64   `json:"longitude" db:"longitude"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// WeatherHourly mirrors the "hourly" object of the forecast endpoint.
// Missing upstream values decode as nil.
type WeatherHourly struct {
	Time               []string   `json:"time"`
	Temperature2m      []*float64 `json:"temperature_2m"`
	RelativeHumidity2m []*float64 `json:"relative_humidity_2m"`
	WindSpeed10m       []*float64 `json:"wind_speed_10m"`
}

// WeatherPayload is the raw forecast response
type WeatherPayload struct {
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Timezone  string         `json:"timezone,omitempty"`
	Hourly    *WeatherHourly `json:"hourly,omitempty"`
}

// AirQualityHourly mirrors the "hourly" object of the air-quality endpoint
type AirQualityHourly struct {
	Time []string   `json:"time"`
	PM10 []*float64 `json:"pm10"`
	PM25 []*float64 `json:"pm2_5"`
}

// AirQualityPayload is the raw air-quality response
type AirQualityPayload struct {
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Timezone  string            `json:"timezone,omitempty"`
	Hourly    *AirQualityHourly `json:"hourly,omitempty"`
}

// SourcePayloads holds both upstream responses for one city. Either side may be nil.
type SourcePayloads struct {
	Weather    *WeatherPayload    `json:"weather,omitempty"`
	AirQuality *AirQualityPayload `json:"air_quality,omitempty"`
}

// Empty reports whether neither source returned usable data
func (p SourcePayloads) Empty() bool {
	return (p.Weather == nil || p.Weather.Hourly == nil) &&
		(p.AirQuality == nil || p.AirQuality.Hourly == nil)
}

// Record is one hour of joined weather and air-quality data for a city.
// Nil pointers are missing values.
type Record struct {
	Time          string    `json:"time"`
	Timestamp     time.Time `json:"timestamp"`
	Temperature   *float64  `json:"temperature"`
	Humidity      *float64  `json:"humidity"`
	WindSpeed     *float64  `json:"wind_speed"`
	PM10          *float64  `json:"pm10"`
	PM25          *float64  `json:"pm25"`
	PredictedPM25 *float64  `json:"predicted_pm25"`
}

// ModelFit describes the outcome of fitting the PM2.5 model for one city
type ModelFit struct {
	TrainingRows  int        `json:"training_rows"`
	Skipped       bool       `json:"skipped"`
	RSquared      *float64   `json:"r_squared,omitempty"`
	LowConfidence bool       `json:"low_confidence"`
	Intercept     float64    `json:"intercept"`
	Coefficients  [3]float64 `json:"coefficients"` // temperature, wind speed, humidity
}

// ModelRun is a persisted ModelFit
type ModelRun struct {
	CityID        int64     `json:"-" db:"city_id"`
	RunAt         time.Time `json:"run_at" db:"run_at"`
	TrainingRows  int       `json:"training_rows" db:"training_rows"`
	RSquared      *float64  `json:"r_squared" db:"r_squared"`
	LowConfidence bool      `json:"low_confidence" db:"low_confidence"`
	Skipped       bool      `json:"skipped" db:"skipped"`
}

// Measurement is one row of the dashboard view served by the read API
type Measurement struct {
	CityName      string    `json:"city_name" db:"city_name"`
	CountryCode   string    `json:"country_code" db:"country_code"`
	Latitude      float64   `json:"latitude" db:"latitude"`
	Longitude     float64   `json:"longitude" db:"longitude"`
	ObservedAt    time.Time `json:"timestamp" db:"observed_at"`
	Temperature   *float64  `json:"temperature" db:"temperature"`
	Humidity      *float64  `json:"humidity" db:"humidity"`
	WindSpeed     *float64  `json:"wind_speed" db:"wind_speed"`
	PM10          *float64  `json:"pm10" db:"pm10"`
	PM25          *float64  `json:"pm25" db:"pm25"`
	PredictedPM25 *float64  `json:"predicted_pm25" db:"predicted_pm25"`
}

// Upstream timestamps are ISO-8601 without seconds or zone ("2024-01-01T00:00"), in UTC
const hourlyTimeLayout = "2006-01-02T15:04"

// ParseObservationTime parses an upstream hourly timestamp as UTC.
// RFC 3339 is accepted as well so re-serialized records round-trip.
func ParseObservationTime(value string) (time.Time, error) {
	if ts, err := time.ParseInLocation(hourlyTimeLayout, value, time.UTC); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, &ValidationError{
		Field:   "time",
		Value:   value,
		Message: "invalid timestamp, expected YYYY-MM-DDTHH:MM",
	}
}

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// Float64 returns a pointer to v
func Float64(v float64) *float64 {
	return &v
}
