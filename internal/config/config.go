// Package config loads runtime configuration for every binary in the platform.
//
// Sources are layered in this order, later ones winning:
//
//  1. built-in defaults
//  2. an optional YAML file (CONFIG_PATH, then ./config.yaml, ./config.yml)
//  3. environment variables (a .env file in the working directory is loaded first)
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration object
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Logging   LoggingConfig   `koanf:"logging"`
	Source    SourceConfig    `koanf:"source"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Staging   StagingConfig   `koanf:"staging"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
}

// ServerConfig configures the read API
type ServerConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout  time.Duration `koanf:"idle_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the PostgreSQL connection pool
type DatabaseConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	User            string        `koanf:"user" validate:"required"`
	Password        string        `koanf:"password"`
	Database        string        `koanf:"database" validate:"required"`
	SSLMode         string        `koanf:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// SourceConfig configures the Open-Meteo adapter
type SourceConfig struct {
	WeatherURL       string        `koanf:"weather_url" validate:"required,url"`
	AirQualityURL    string        `koanf:"air_quality_url" validate:"required,url"`
	PastDays         int           `koanf:"past_days" validate:"min=0,max=92"`
	ForecastDays     int           `koanf:"forecast_days" validate:"min=0,max=16"`
	Timeout          time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries       int           `koanf:"max_retries" validate:"min=0,max=10"`
	RetryBaseDelay   time.Duration `koanf:"retry_base_delay"`
	RetryMaxDelay    time.Duration `koanf:"retry_max_delay"`
	BreakerFailures  uint32        `koanf:"breaker_failures" validate:"min=1"`
	BreakerOpenDelay time.Duration `koanf:"breaker_open_delay"`
}

// CityConfig is one entry in the configured city list
type CityConfig struct {
	Name        string  `koanf:"name" validate:"required"`
	CountryCode string  `koanf:"country_code" validate:"required,len=2"`
	Latitude    float64 `koanf:"latitude" validate:"min=-90,max=90"`
	Longitude   float64 `koanf:"longitude" validate:"min=-180,max=180"`
}

// PipelineConfig configures the ETL run. "{run_id}" in QualityReport is
// replaced by the staged run id.
type PipelineConfig struct {
	Cities          []CityConfig  `koanf:"cities" validate:"min=1,dive"`
	MinTrainingRows int           `koanf:"min_training_rows" validate:"min=2"`
	LowConfidenceR2 float64       `koanf:"low_confidence_r2" validate:"min=0,max=1"`
	MaxDataAge      time.Duration `koanf:"max_data_age"`
	QualityReport   string        `koanf:"quality_report"`
}

// StagingConfig selects where staged-mode artifacts live
type StagingConfig struct {
	Backend string `koanf:"backend" validate:"oneof=local gcs"`
	Dir     string `koanf:"dir" validate:"required_if=Backend local"`
	Bucket  string `koanf:"bucket" validate:"required_if=Backend gcs"`
	Prefix  string `koanf:"prefix"`
}

// SchedulerConfig configures cmd/scheduler
type SchedulerConfig struct {
	Mode       string        `koanf:"mode" validate:"oneof=staged direct"`
	Cron       string        `koanf:"cron" validate:"required"`
	Retries    int           `koanf:"retries" validate:"min=0"`
	RetryDelay time.Duration `koanf:"retry_delay"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Pipeline.Cities))
	for _, city := range c.Pipeline.Cities {
		if _, dup := seen[city.Name]; dup {
			return fmt.Errorf("invalid configuration: duplicate city %q", city.Name)
		}
		seen[city.Name] = struct{}{}
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("invalid configuration: database.max_idle_conns (%d) exceeds max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	return nil
}
