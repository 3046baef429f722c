package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config files searched in order; the first one found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultCities is the built-in monitoring list.
func DefaultCities() []CityConfig {
	return []CityConfig{
		{Name: "Moscow", CountryCode: "RU", Latitude: 55.7558, Longitude: 37.6173},
		{Name: "Saint Petersburg", CountryCode: "RU", Latitude: 59.9343, Longitude: 30.3351},
		{Name: "Ulyanovsk", CountryCode: "RU", Latitude: 54.3141, Longitude: 48.4031},
		{Name: "Kazan", CountryCode: "RU", Latitude: 55.7887, Longitude: 49.1221},
		{Name: "Novosibirsk", CountryCode: "RU", Latitude: 55.0084, Longitude: 82.9357},
		{Name: "Yekaterinburg", CountryCode: "RU", Latitude: 56.8389, Longitude: 60.6057},
		{Name: "London", CountryCode: "GB", Latitude: 51.5074, Longitude: -0.1278},
		{Name: "Berlin", CountryCode: "DE", Latitude: 52.5200, Longitude: 13.4050},
		{Name: "Paris", CountryCode: "FR", Latitude: 48.8566, Longitude: 2.3522},
		{Name: "Rome", CountryCode: "IT", Latitude: 41.9028, Longitude: 12.4964},
		{Name: "Beijing", CountryCode: "CN", Latitude: 39.9042, Longitude: 116.4074},
		{Name: "Tokyo", CountryCode: "JP", Latitude: 35.6762, Longitude: 139.6503},
		{Name: "Dubai", CountryCode: "AE", Latitude: 25.2048, Longitude: 55.2708},
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "",
			Database:        "airquality",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Source: SourceConfig{
			WeatherURL:       "https://api.open-meteo.com/v1/forecast",
			AirQualityURL:    "https://air-quality-api.open-meteo.com/v1/air-quality",
			PastDays:         7,
			ForecastDays:     1,
			Timeout:          30 * time.Second,
			MaxRetries:       2,
			RetryBaseDelay:   500 * time.Millisecond,
			RetryMaxDelay:    5 * time.Second,
			BreakerFailures:  5,
			BreakerOpenDelay: 30 * time.Second,
		},
		Pipeline: PipelineConfig{
			Cities:          DefaultCities(),
			MinTrainingRows: 10,
			LowConfidenceR2: 0.30,
			MaxDataAge:      0, // freshness check disabled
			QualityReport:   "",
		},
		Staging: StagingConfig{
			Backend: "local",
			Dir:     "./staging",
			Prefix:  "airquality",
		},
		Scheduler: SchedulerConfig{
			Mode:       "staged",
			Cron:       "0 * * * *",
			Retries:    1,
			RetryDelay: 5 * time.Minute,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file and the environment.
// Call Validate on the result before use.
func LoadConfig() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

var envMappings = map[string]string{
	"server_host":          "server.host",
	"server_port":          "server.port",
	"server_read_timeout":  "server.read_timeout",
	"server_write_timeout": "server.write_timeout",
	"server_idle_timeout":  "server.idle_timeout",

	"db_host":               "database.host",
	"db_port":               "database.port",
	"db_user":               "database.user",
	"db_password":           "database.password",
	"db_name":               "database.database",
	"db_sslmode":            "database.ssl_mode",
	"db_max_open_conns":     "database.max_open_conns",
	"db_max_idle_conns":     "database.max_idle_conns",
	"db_conn_max_lifetime":  "database.conn_max_lifetime",
	"db_conn_max_idle_time": "database.conn_max_idle_time",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"openmeteo_weather_url":     "source.weather_url",
	"openmeteo_air_quality_url": "source.air_quality_url",
	"openmeteo_past_days":       "source.past_days",
	"openmeteo_forecast_days":   "source.forecast_days",
	"openmeteo_timeout":         "source.timeout",
	"openmeteo_max_retries":     "source.max_retries",

	"min_training_rows": "pipeline.min_training_rows",
	"low_confidence_r2": "pipeline.low_confidence_r2",
	"max_data_age":      "pipeline.max_data_age",
	"quality_report":    "pipeline.quality_report",

	"staging_backend": "staging.backend",
	"staging_dir":     "staging.dir",
	"staging_bucket":  "staging.bucket",
	"staging_prefix":  "staging.prefix",

	"schedule_mode":        "scheduler.mode",
	"schedule_cron":        "scheduler.cron",
	"schedule_retries":     "scheduler.retries",
	"schedule_retry_delay": "scheduler.retry_delay",
}

// envTransformFunc maps known variables onto config keys; everything else is dropped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
