// Package app turns loaded configuration into the components the commands run.
package app

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"

	"airquality-platform/internal/config"
	"airquality-platform/internal/models"
	"airquality-platform/internal/openmeteo"
	"airquality-platform/internal/predict"
	"airquality-platform/internal/repository"
	"airquality-platform/internal/services"
	"airquality-platform/internal/staging"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Version is reported in every log line
const Version = "1.0.0"

// MetricsNamespace prefixes every Prometheus metric
const MetricsNamespace = "airquality"

// LoadConfig loads and validates configuration
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the structured logger for a command
func NewLogger(service string, cfg config.LoggingConfig) *logging.StructuredLogger {
	logger := logging.NewStructuredLogger(service, Version, logging.ParseLevel(cfg.Level))
	logger.SetFormat(cfg.Format)
	return logger
}

// DatabaseConfig maps the config section onto the connection settings
func DatabaseConfig(cfg config.DatabaseConfig) *database.Config {
	return &database.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// OpenRepository connects to PostgreSQL and wraps it in the repository
func OpenRepository(cfg config.DatabaseConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (repository.AirQualityRepository, *database.PostgresDB, error) {
	db, err := database.NewPostgresDB(DatabaseConfig(cfg), logger, metricsCollector)
	if err != nil {
		return nil, nil, err
	}
	return repository.NewAirQualityRepository(db, logger, metricsCollector), db, nil
}

// SourceConfig maps the config section onto the Open-Meteo client settings
func SourceConfig(cfg config.SourceConfig) openmeteo.Config {
	return openmeteo.Config{
		WeatherURL:    cfg.WeatherURL,
		AirQualityURL: cfg.AirQualityURL,
		PastDays:      cfg.PastDays,
		ForecastDays:  cfg.ForecastDays,
		Timeout:       cfg.Timeout,
		Backoff: openmeteo.BackoffConfig{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: cfg.RetryBaseDelay,
			MaxInterval:     cfg.RetryMaxDelay,
		},
		BreakerFailures:  cfg.BreakerFailures,
		BreakerOpenDelay: cfg.BreakerOpenDelay,
	}
}

// NewSourceClient builds the Open-Meteo client with its own bounded HTTP client
func NewSourceClient(cfg config.SourceConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *openmeteo.Client {
	return openmeteo.NewClient(SourceConfig(cfg), &http.Client{Timeout: cfg.Timeout}, logger, metricsCollector)
}

// Cities converts the configured city list
func Cities(cfg []config.CityConfig) []models.City {
	cities := make([]models.City, 0, len(cfg))
	for _, c := range cfg {
		cities = append(cities, models.City{
			Name:        c.Name,
			CountryCode: c.CountryCode,
			Latitude:    c.Latitude,
			Longitude:   c.Longitude,
		})
	}
	return cities
}

// PipelineConfig maps the config section onto the pipeline settings
func PipelineConfig(cfg config.PipelineConfig) services.PipelineConfig {
	return services.PipelineConfig{
		Cities: Cities(cfg.Cities),
		Model: predict.Config{
			MinTrainingRows: cfg.MinTrainingRows,
			LowConfidenceR2: cfg.LowConfidenceR2,
		},
		MaxDataAge:    cfg.MaxDataAge,
		QualityReport: cfg.QualityReport,
	}
}

// NewStagingStore opens the configured artifact backend. The returned close
// function releases the backend's resources.
func NewStagingStore(ctx context.Context, cfg config.StagingConfig, logger *logging.StructuredLogger) (*staging.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", "local":
		backend, err := staging.NewLocalBackend(cfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		return staging.NewStore(backend, logger), noop, nil

	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create storage client: %w", err)
		}
		backend, err := staging.NewGCSBackend(client, cfg.Bucket, cfg.Prefix)
		if err != nil {
			client.Close()
			return nil, noop, err
		}
		return staging.NewStore(backend, logger), client.Close, nil

	default:
		return nil, noop, fmt.Errorf("unknown staging backend %q", cfg.Backend)
	}
}

// NewPipeline wires the full pipeline service. The database is not contacted
// here: extract, transform and validate never touch it, and the direct run and
// load step health-check it before use.
func NewPipeline(ctx context.Context, cfg *config.Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*services.PipelineService, func() error, error) {
	db, err := database.Open(DatabaseConfig(cfg.Database), logger, metricsCollector)
	if err != nil {
		return nil, nil, err
	}
	repo := repository.NewAirQualityRepository(db, logger, metricsCollector)

	store, closeStore, err := NewStagingStore(ctx, cfg.Staging, logger)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	svc := services.NewPipelineService(
		NewSourceClient(cfg.Source, logger, metricsCollector),
		repo,
		store,
		PipelineConfig(cfg.Pipeline),
		logger,
		metricsCollector,
	)

	closeAll := func() error {
		storeErr := closeStore()
		if err := db.Close(); err != nil {
			return err
		}
		return storeErr
	}
	return svc, closeAll, nil
}
