// Package openmeteo fetches hourly weather and air-quality series from the Open-Meteo APIs.
package openmeteo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

const (
	weatherVariables    = "temperature_2m,relative_humidity_2m,wind_speed_10m"
	airQualityVariables = "pm10,pm2_5"

	// responses are a few hundred KB for 8 days of hourly data
	maxBodyBytes = 16 << 20

	SourceWeather    = "weather"
	SourceAirQuality = "air_quality"
)

var errMalformed = errors.New("malformed response")

// Config holds adapter settings
type Config struct {
	WeatherURL       string
	AirQualityURL    string
	PastDays         int
	ForecastDays     int
	Timeout          time.Duration
	Backoff          BackoffConfig
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// Client talks to both Open-Meteo endpoints. Each endpoint has its own circuit breaker.
type Client struct {
	cfg        Config
	httpClient *http.Client
	weatherCB  *gobreaker.CircuitBreaker
	airCB      *gobreaker.CircuitBreaker
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
}

// NewClient creates an adapter. A nil httpClient gets one bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = 500 * time.Millisecond
	}
	if cfg.BreakerOpenDelay <= 0 {
		cfg.BreakerOpenDelay = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		weatherCB:  newBreaker("openmeteo-weather", cfg.BreakerFailures, cfg.BreakerOpenDelay),
		airCB:      newBreaker("openmeteo-air-quality", cfg.BreakerFailures, cfg.BreakerOpenDelay),
		logger:     logger,
		metrics:    metricsCollector,
	}
}

// Fetch retrieves both series for a city. A failed source is logged and left nil;
// the caller treats a missing side as "no data" for that city.
func (c *Client) Fetch(ctx context.Context, city models.City) models.SourcePayloads {
	var payloads models.SourcePayloads

	weather, err := c.FetchWeather(ctx, city.Latitude, city.Longitude)
	if err != nil {
		c.reportFailure(ctx, city, SourceWeather, err)
	} else {
		payloads.Weather = weather
	}

	air, err := c.FetchAirQuality(ctx, city.Latitude, city.Longitude)
	if err != nil {
		c.reportFailure(ctx, city, SourceAirQuality, err)
	} else {
		payloads.AirQuality = air
	}

	c.logger.Debug(ctx, "[OPENMETEO_FETCH] Fetched source payloads", logging.Fields{
		"city":             city.Name,
		"weather_ok":       payloads.Weather != nil,
		"air_quality_ok":   payloads.AirQuality != nil,
		"weather_rows":     weatherRows(payloads.Weather),
		"air_quality_rows": airQualityRows(payloads.AirQuality),
	})

	return payloads
}

// FetchWeather retrieves the hourly temperature, humidity and wind speed series
func (c *Client) FetchWeather(ctx context.Context, lat, lon float64) (*models.WeatherPayload, error) {
	var payload models.WeatherPayload
	if err := c.get(ctx, c.weatherCB, c.cfg.WeatherURL, lat, lon, weatherVariables, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// FetchAirQuality retrieves the hourly PM10 and PM2.5 series
func (c *Client) FetchAirQuality(ctx context.Context, lat, lon float64) (*models.AirQualityPayload, error) {
	var payload models.AirQualityPayload
	if err := c.get(ctx, c.airCB, c.cfg.AirQualityURL, lat, lon, airQualityVariables, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) get(ctx context.Context, cb *gobreaker.CircuitBreaker, baseURL string, lat, lon float64, hourly string, dest interface{}) error {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	values.Set("past_days", strconv.Itoa(c.cfg.PastDays))
	values.Set("forecast_days", strconv.Itoa(c.cfg.ForecastDays))
	values.Set("hourly", hourly)
	target := baseURL + "?" + values.Encode()

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, c.httpClient, c.cfg.Backoff, cb, buildRequest)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	return nil
}

func (c *Client) reportFailure(ctx context.Context, city models.City, source string, err error) {
	kind := errorType(err)
	c.metrics.RecordFetchError(source, kind)
	c.logger.Error(ctx, "[OPENMETEO_FETCH_ERROR] Source unavailable, continuing without it", logging.Fields{
		"city":       city.Name,
		"source":     source,
		"error_type": kind,
	}, err)
}

func weatherRows(p *models.WeatherPayload) int {
	if p == nil || p.Hourly == nil {
		return 0
	}
	return len(p.Hourly.Time)
}

func airQualityRows(p *models.AirQualityPayload) int {
	if p == nil || p.Hourly == nil {
		return 0
	}
	return len(p.Hourly.Time)
}
