package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/migrations"
	"airquality-platform/internal/models"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

// Runs against a disposable database named by AIRQUALITY_TEST_DSN
func newIntegrationRepository(t *testing.T) (AirQualityRepository, *sqlx.DB) {
	t.Helper()

	dsn := os.Getenv("AIRQUALITY_TEST_DSN")
	if dsn == "" {
		t.Skip("AIRQUALITY_TEST_DSN not set")
	}
	ctx := context.Background()

	migrationDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	require.NoError(t, migrations.Run(ctx, migrationDB, migrations.Up, logging.Discard()))

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.ExecContext(ctx, "TRUNCATE fact_model_run, fact_air_quality, fact_weather, dim_city RESTART IDENTITY")
	require.NoError(t, err)

	pg := database.NewFromDB(db, &database.Config{Database: "airquality_test"}, logging.Discard(), metrics.NewNopCollector())
	return NewAirQualityRepository(pg, logging.Discard(), metrics.NewNopCollector()), db
}

func TestIntegration_UpsertIsIdempotent(t *testing.T) {
	repo, db := newIntegrationRepository(t)
	ctx := context.Background()
	records := threeHours()

	first, err := repo.LoadCity(ctx, berlin(), records, models.ModelFit{TrainingRows: 3, Skipped: true})
	require.NoError(t, err)

	records[0].Temperature = models.Float64(25.0)
	second, err := repo.LoadCity(ctx, berlin(), records, models.ModelFit{TrainingRows: 3, Skipped: true})
	require.NoError(t, err)
	assert.Equal(t, first.CityID, second.CityID)

	var cities, weatherRows, airRows int
	require.NoError(t, db.GetContext(ctx, &cities, "SELECT count(*) FROM dim_city"))
	require.NoError(t, db.GetContext(ctx, &weatherRows, "SELECT count(*) FROM fact_weather"))
	require.NoError(t, db.GetContext(ctx, &airRows, "SELECT count(*) FROM fact_air_quality"))
	assert.Equal(t, 1, cities)
	assert.Equal(t, 3, weatherRows)
	assert.Equal(t, 3, airRows)

	var temperature float64
	require.NoError(t, db.GetContext(ctx, &temperature,
		"SELECT temperature FROM fact_weather WHERE city_id = $1 AND observed_at = $2",
		first.CityID, records[0].Timestamp))
	assert.InDelta(t, 25.0, temperature, 1e-9, "second write wins")

	measurements, err := repo.GetMeasurements(ctx, "Berlin", 0)
	require.NoError(t, err)
	require.Len(t, measurements, 3)
	assert.True(t, measurements[0].ObservedAt.After(measurements[2].ObservedAt), "newest first")
	for _, m := range measurements {
		assert.Nil(t, m.PredictedPM25)
	}

	run, err := repo.LatestModelRun(ctx, "Berlin")
	require.NoError(t, err)
	assert.True(t, run.Skipped)
}
