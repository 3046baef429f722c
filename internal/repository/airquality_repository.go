package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// DefaultMeasurementLimit is one week of hourly rows
const DefaultMeasurementLimit = 168

// AirQualityRepository provides data access for cities, facts and model runs
type AirQualityRepository interface {
	// Load operations
	LoadCity(ctx context.Context, city models.City, records []models.Record, fit models.ModelFit) (*LoadResult, error)

	// Read operations
	ListCities(ctx context.Context) ([]models.City, error)
	GetMeasurements(ctx context.Context, cityName string, limit int) ([]models.Measurement, error)
	LatestModelRun(ctx context.Context, cityName string) (*models.ModelRun, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// LoadResult describes what LoadCity wrote for one city
type LoadResult struct {
	CityID         int64
	WeatherRows    int
	AirQualityRows int
	ModelRunAt     time.Time
	Duration       time.Duration
}

// airQualityRepository implements AirQualityRepository
type airQualityRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

// NewAirQualityRepository creates a new air-quality repository
func NewAirQualityRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) AirQualityRepository {
	return &airQualityRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const (
	insertCityQuery = `
		INSERT INTO dim_city (name, country_code, latitude, longitude)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
		RETURNING city_id
	`

	selectCityIDQuery = `SELECT city_id FROM dim_city WHERE name = $1`

	upsertWeatherQuery = `
		INSERT INTO fact_weather (city_id, observed_at, temperature, humidity, wind_speed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (city_id, observed_at) DO UPDATE SET
			temperature = EXCLUDED.temperature,
			humidity = EXCLUDED.humidity,
			wind_speed = EXCLUDED.wind_speed,
			loaded_at = now()
	`

	upsertAirQualityQuery = `
		INSERT INTO fact_air_quality (city_id, observed_at, pm10, pm25, predicted_pm25)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (city_id, observed_at) DO UPDATE SET
			pm10 = EXCLUDED.pm10,
			pm25 = EXCLUDED.pm25,
			predicted_pm25 = EXCLUDED.predicted_pm25,
			loaded_at = now()
	`

	insertModelRunQuery = `
		INSERT INTO fact_model_run (city_id, run_at, training_rows, r_squared, low_confidence, skipped)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (city_id, run_at) DO UPDATE SET
			training_rows = EXCLUDED.training_rows,
			r_squared = EXCLUDED.r_squared,
			low_confidence = EXCLUDED.low_confidence,
			skipped = EXCLUDED.skipped
	`
)

// LoadCity resolves the city and upserts every record plus the model run in one transaction.
// An empty record set is a no-op.
func (r *airQualityRepository) LoadCity(ctx context.Context, city models.City, records []models.Record, fit models.ModelFit) (*LoadResult, error) {
	if len(records) == 0 {
		r.logger.Debug(ctx, "[REPO_LOAD_SKIPPED] No records to load", logging.Fields{
			"city": city.Name,
		})
		return nil, nil
	}

	timer := time.Now()

	// READ COMMITTED lets the name lookup see a row committed by a concurrent loader
	tx, err := r.db.BeginTx(ctx, sql.LevelReadCommitted)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cityID, err := r.resolveCity(ctx, tx, city)
	if err != nil {
		return nil, err
	}

	weatherRows, err := upsertBatch(ctx, tx, upsertWeatherQuery, records, func(rec models.Record) []interface{} {
		return []interface{}{cityID, rec.Timestamp, rec.Temperature, rec.Humidity, rec.WindSpeed}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert weather rows for %s: %w", city.Name, err)
	}

	airQualityRows, err := upsertBatch(ctx, tx, upsertAirQualityQuery, records, func(rec models.Record) []interface{} {
		return []interface{}{cityID, rec.Timestamp, rec.PM10, rec.PM25, rec.PredictedPM25}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert air quality rows for %s: %w", city.Name, err)
	}

	runAt := r.now().Truncate(time.Second)
	if _, err := tx.ExecContext(ctx, insertModelRunQuery,
		cityID,
		runAt,
		fit.TrainingRows,
		fit.RSquared,
		fit.LowConfidence,
		fit.Skipped,
	); err != nil {
		return nil, fmt.Errorf("failed to record model run for %s: %w", city.Name, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	result := &LoadResult{
		CityID:         cityID,
		WeatherRows:    weatherRows,
		AirQualityRows: airQualityRows,
		ModelRunAt:     runAt,
		Duration:       time.Since(timer),
	}

	r.metrics.RecordRowsLoaded("fact_weather", weatherRows)
	r.metrics.RecordRowsLoaded("fact_air_quality", airQualityRows)
	r.metrics.DBQueryDuration.WithLabelValues("load_city").Observe(result.Duration.Seconds())

	r.logger.Info(ctx, "[REPO_LOAD_CITY] City loaded", logging.Fields{
		"city":             city.Name,
		"city_id":          cityID,
		"weather_rows":     weatherRows,
		"air_quality_rows": airQualityRows,
		"duration_ms":      result.Duration.Milliseconds(),
	})

	return result, nil
}

// resolveCity inserts the city if absent, otherwise looks up its id by name
func (r *airQualityRepository) resolveCity(ctx context.Context, tx *sqlx.Tx, city models.City) (int64, error) {
	var cityID int64
	err := tx.QueryRowxContext(ctx, insertCityQuery,
		city.Name,
		city.CountryCode,
		city.Latitude,
		city.Longitude,
	).Scan(&cityID)

	switch {
	case err == nil:
		r.logger.Debug(ctx, "[REPO_CITY_CREATED] City created", logging.Fields{
			"city":    city.Name,
			"city_id": cityID,
		})
		return cityID, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("failed to insert city %s: %w", city.Name, err)
	}

	if err := tx.GetContext(ctx, &cityID, selectCityIDQuery, city.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, &NotFoundError{Resource: "city", ID: city.Name}
		}
		return 0, fmt.Errorf("failed to look up city %s: %w", city.Name, err)
	}
	return cityID, nil
}

// upsertBatch runs one prepared statement per record
func upsertBatch(ctx context.Context, tx *sqlx.Tx, query string, records []models.Record, args func(models.Record) []interface{}) (int, error) {
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx, args(rec)...); err != nil {
			return i, fmt.Errorf("row %s: %w", rec.Time, err)
		}
	}
	return len(records), nil
}

// ListCities returns every known city ordered by name
func (r *airQualityRepository) ListCities(ctx context.Context) ([]models.City, error) {
	query := `
		SELECT city_id, name, country_code, latitude, longitude, created_at
		FROM dim_city
		ORDER BY name
	`

	cities := []models.City{}
	if err := r.db.SelectContext(ctx, "list_cities", &cities, query); err != nil {
		return nil, fmt.Errorf("failed to list cities: %w", err)
	}
	return cities, nil
}

// GetMeasurements returns the newest joined rows for a city name
func (r *airQualityRepository) GetMeasurements(ctx context.Context, cityName string, limit int) ([]models.Measurement, error) {
	if limit <= 0 {
		limit = DefaultMeasurementLimit
	}

	query := `
		SELECT city_name, country_code, latitude, longitude, observed_at,
			temperature, humidity, wind_speed, pm10, pm25, predicted_pm25
		FROM dm_dashboard_analytics
		WHERE city_name = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`

	measurements := []models.Measurement{}
	if err := r.db.SelectContext(ctx, "get_measurements", &measurements, query, cityName, limit); err != nil {
		return nil, fmt.Errorf("failed to get measurements: %w", err)
	}
	return measurements, nil
}

// LatestModelRun returns the most recent model fit recorded for a city
func (r *airQualityRepository) LatestModelRun(ctx context.Context, cityName string) (*models.ModelRun, error) {
	query := `
		SELECT m.city_id, m.run_at, m.training_rows, m.r_squared, m.low_confidence, m.skipped
		FROM fact_model_run m
		JOIN dim_city c ON c.city_id = m.city_id
		WHERE c.name = $1
		ORDER BY m.run_at DESC
		LIMIT 1
	`

	var run models.ModelRun
	err := r.db.GetContext(ctx, "latest_model_run", &run, query, cityName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "model_run",
			ID:       cityName,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model run: %w", err)
	}
	return &run, nil
}

// HealthCheck checks database connectivity
func (r *airQualityRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// NotFoundError represents a resource not found error
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IsTransient returns false as not found errors are not transient
func (e *NotFoundError) IsTransient() bool {
	return false
}
