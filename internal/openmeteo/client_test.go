package openmeteo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

const weatherBody = `{
  "latitude": 52.52,
  "longitude": 13.41,
  "hourly": {
    "time": ["2024-01-01T00:00", "2024-01-01T01:00", "2024-01-01T02:00"],
    "temperature_2m": [1.5, null, 2.1],
    "relative_humidity_2m": [80, 82, 85],
    "wind_speed_10m": [10.2, 11.0, 9.8]
  }
}`

const airQualityBody = `{
  "latitude": 52.5,
  "longitude": 13.4,
  "hourly": {
    "time": ["2024-01-01T00:00", "2024-01-01T01:00"],
    "pm10": [20.1, 22.4],
    "pm2_5": [12.0, -1.0]
  }
}`

func newTestClient(t *testing.T, weatherURL, airURL string) (*Client, *metrics.Collector) {
	t.Helper()
	collector := metrics.NewNopCollector()
	client := NewClient(Config{
		WeatherURL:    weatherURL,
		AirQualityURL: airURL,
		PastDays:      7,
		ForecastDays:  1,
		Timeout:       2 * time.Second,
		Backoff: BackoffConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		},
		BreakerFailures:  10,
		BreakerOpenDelay: time.Second,
	}, nil, logging.Discard(), collector)
	return client, collector
}

func TestFetchWeather_QueryAndDecode(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{
			"latitude":      q.Get("latitude"),
			"longitude":     q.Get("longitude"),
			"past_days":     q.Get("past_days"),
			"forecast_days": q.Get("forecast_days"),
			"hourly":        q.Get("hourly"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(weatherBody))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, srv.URL)
	payload, err := client.FetchWeather(context.Background(), 52.52, 13.405)
	require.NoError(t, err)

	assert.Equal(t, "52.52", gotQuery["latitude"])
	assert.Equal(t, "13.405", gotQuery["longitude"])
	assert.Equal(t, "7", gotQuery["past_days"])
	assert.Equal(t, "1", gotQuery["forecast_days"])
	assert.Equal(t, "temperature_2m,relative_humidity_2m,wind_speed_10m", gotQuery["hourly"])

	require.NotNil(t, payload.Hourly)
	require.Len(t, payload.Hourly.Time, 3)
	assert.Nil(t, payload.Hourly.Temperature2m[1], "null decodes as missing")
	assert.InDelta(t, 2.1, *payload.Hourly.Temperature2m[2], 1e-9)
}

func TestFetchAirQuality_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "pm10,pm2_5", r.URL.Query().Get("hourly"))
		_, _ = w.Write([]byte(airQualityBody))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, srv.URL)
	payload, err := client.FetchAirQuality(context.Background(), 52.52, 13.405)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.NotNil(t, payload.Hourly)
	assert.InDelta(t, -1.0, *payload.Hourly.PM25[1], 1e-9, "adapter does not cleanse")
}

func TestFetch_ClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, srv.URL)
	_, err := client.FetchWeather(context.Background(), 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errClientStatus)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetch_RetriesAreBounded(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, srv.URL)
	_, err := client.FetchWeather(context.Background(), 0, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errServerError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one attempt plus two retries")
}

func TestFetch_DegradesPerSource(t *testing.T) {
	weatherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(weatherBody))
	}))
	defer weatherSrv.Close()

	airSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hourly": {"time": [`))
	}))
	defer airSrv.Close()

	client, collector := newTestClient(t, weatherSrv.URL, airSrv.URL)
	payloads := client.Fetch(context.Background(), models.City{Name: "Berlin", Latitude: 52.52, Longitude: 13.405})

	require.NotNil(t, payloads.Weather)
	assert.Nil(t, payloads.AirQuality)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.SourceFetchErrorsTotal.WithLabelValues(SourceAirQuality, "malformed")))
}

func TestFetch_MissingHourlyMeansNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"latitude": 1, "longitude": 2, "error": false}`))
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, srv.URL)
	payloads := client.Fetch(context.Background(), models.City{Name: "Nowhere"})

	require.NotNil(t, payloads.Weather)
	assert.Nil(t, payloads.Weather.Hourly)
	assert.True(t, payloads.Empty())
}

func TestFetch_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	collector := metrics.NewNopCollector()
	client := NewClient(Config{
		WeatherURL:       srv.URL,
		AirQualityURL:    srv.URL,
		Backoff:          BackoffConfig{MaxRetries: 0, InitialInterval: time.Millisecond},
		BreakerFailures:  2,
		BreakerOpenDelay: time.Minute,
	}, srv.Client(), logging.Discard(), collector)

	for i := 0; i < 2; i++ {
		_, err := client.FetchWeather(context.Background(), 0, 0)
		require.Error(t, err)
	}

	_, err := client.FetchWeather(context.Background(), 0, 0)
	assert.ErrorIs(t, err, errCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open circuit short-circuits the request")
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, _ := newTestClient(t, srv.URL, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.FetchWeather(ctx, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
