package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/internal/models"
	"airquality-platform/pkg/database"
	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockRepository(t *testing.T) (*airQualityRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pg := database.NewFromDB(sqlx.NewDb(db, "postgres"), &database.Config{Database: "airquality"}, logging.Discard(), metrics.NewNopCollector())
	repo := NewAirQualityRepository(pg, logging.Discard(), metrics.NewNopCollector()).(*airQualityRepository)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func berlin() models.City {
	return models.City{Name: "Berlin", CountryCode: "DE", Latitude: 52.52, Longitude: 13.405}
}

func threeHours() []models.Record {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	temps := []float64{20.0, 21.0, 19.5}
	records := make([]models.Record, 0, len(temps))
	for i, temp := range temps {
		ts := base.Add(time.Duration(i) * time.Hour)
		records = append(records, models.Record{
			Time:        ts.Format("2006-01-02T15:04"),
			Timestamp:   ts,
			Temperature: models.Float64(temp),
			Humidity:    models.Float64(50 + float64(i)*5),
			WindSpeed:   models.Float64(3.5),
			PM10:        models.Float64(12 + float64(i)),
			PM25:        models.Float64(5 + float64(i)),
		})
	}
	return records
}

func expectFactUpserts(mock sqlmock.Sqlmock, cityID int64, records []models.Record) {
	weather := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fact_weather"))
	for _, rec := range records {
		weather.ExpectExec().
			WithArgs(cityID, sqlmock.AnyArg(), *rec.Temperature, *rec.Humidity, *rec.WindSpeed).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	airQuality := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fact_air_quality"))
	for _, rec := range records {
		airQuality.ExpectExec().
			WithArgs(cityID, sqlmock.AnyArg(), *rec.PM10, *rec.PM25, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestLoadCity_NewCity(t *testing.T) {
	repo, mock := newMockRepository(t)
	records := threeHours()
	fit := models.ModelFit{TrainingRows: 3, Skipped: true}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO dim_city")).
		WithArgs("Berlin", "DE", 52.52, 13.405).
		WillReturnRows(sqlmock.NewRows([]string{"city_id"}).AddRow(int64(7)))
	expectFactUpserts(mock, 7, records)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_model_run")).
		WithArgs(int64(7), fixedNow, 3, nil, false, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.LoadCity(context.Background(), berlin(), records, fit)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, int64(7), result.CityID)
	assert.Equal(t, 3, result.WeatherRows)
	assert.Equal(t, 3, result.AirQualityRows)
	assert.Equal(t, fixedNow, result.ModelRunAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCity_ExistingCityResolvesByName(t *testing.T) {
	repo, mock := newMockRepository(t)
	records := threeHours()[:1]

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO dim_city")).
		WillReturnRows(sqlmock.NewRows([]string{"city_id"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT city_id FROM dim_city WHERE name = $1")).
		WithArgs("Berlin").
		WillReturnRows(sqlmock.NewRows([]string{"city_id"}).AddRow(int64(3)))
	expectFactUpserts(mock, 3, records)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_model_run")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.LoadCity(context.Background(), berlin(), records, models.ModelFit{TrainingRows: 1, Skipped: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.CityID, "second batch reuses the first-assigned id")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCity_EmptyRecordsIsNoop(t *testing.T) {
	repo, mock := newMockRepository(t)

	result, err := repo.LoadCity(context.Background(), berlin(), nil, models.ModelFit{})
	assert.NoError(t, err)
	assert.Nil(t, result)

	assert.NoError(t, mock.ExpectationsWereMet(), "no transaction is opened")
}

func TestLoadCity_FailureRollsBack(t *testing.T) {
	repo, mock := newMockRepository(t)
	records := threeHours()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO dim_city")).
		WillReturnRows(sqlmock.NewRows([]string{"city_id"}).AddRow(int64(1)))
	weather := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO fact_weather"))
	weather.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	weather.ExpectExec().WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	result, err := repo.LoadCity(context.Background(), berlin(), records, models.ModelFit{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "failed to upsert weather rows for Berlin")
	assert.Contains(t, err.Error(), "deadlock detected")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCity_CityInsertFailure(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO dim_city")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.LoadCity(context.Background(), berlin(), threeHours(), models.ModelFit{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert city Berlin")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadCity_PersistsLowConfidenceFit(t *testing.T) {
	repo, mock := newMockRepository(t)
	records := threeHours()
	fit := models.ModelFit{TrainingRows: 3, RSquared: models.Float64(0.12), LowConfidence: true}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO dim_city")).
		WillReturnRows(sqlmock.NewRows([]string{"city_id"}).AddRow(int64(2)))
	expectFactUpserts(mock, 2, records)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO fact_model_run")).
		WithArgs(int64(2), fixedNow, 3, 0.12, true, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := repo.LoadCity(context.Background(), berlin(), records, fit)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCities(t *testing.T) {
	repo, mock := newMockRepository(t)

	rows := sqlmock.NewRows([]string{"city_id", "name", "country_code", "latitude", "longitude", "created_at"}).
		AddRow(int64(1), "Berlin", "DE", 52.52, 13.405, fixedNow).
		AddRow(int64(2), "Paris", "FR", 48.8566, 2.3522, fixedNow)
	mock.ExpectQuery(regexp.QuoteMeta("FROM dim_city")).WillReturnRows(rows)

	cities, err := repo.ListCities(context.Background())
	require.NoError(t, err)
	require.Len(t, cities, 2)
	assert.Equal(t, "Paris", cities[1].Name)
	assert.Equal(t, "FR", cities[1].CountryCode)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMeasurements(t *testing.T) {
	repo, mock := newMockRepository(t)

	columns := []string{"city_name", "country_code", "latitude", "longitude", "observed_at",
		"temperature", "humidity", "wind_speed", "pm10", "pm25", "predicted_pm25"}

	t.Run("newest rows with default limit", func(t *testing.T) {
		rows := sqlmock.NewRows(columns).
			AddRow("Berlin", "DE", 52.52, 13.405, fixedNow, 20.5, 50.0, 3.5, 12.0, 5.0, nil)
		mock.ExpectQuery(regexp.QuoteMeta("FROM dm_dashboard_analytics")).
			WithArgs("Berlin", DefaultMeasurementLimit).
			WillReturnRows(rows)

		got, err := repo.GetMeasurements(context.Background(), "Berlin", 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.InDelta(t, 20.5, *got[0].Temperature, 1e-9)
		assert.Nil(t, got[0].PredictedPM25)
	})

	t.Run("unknown city is an empty slice", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM dm_dashboard_analytics")).
			WithArgs("Atlantis", 10).
			WillReturnRows(sqlmock.NewRows(columns))

		got, err := repo.GetMeasurements(context.Background(), "Atlantis", 10)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("query failure", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("FROM dm_dashboard_analytics")).
			WillReturnError(errors.New("relation does not exist"))

		_, err := repo.GetMeasurements(context.Background(), "Berlin", 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "relation does not exist")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestModelRun(t *testing.T) {
	repo, mock := newMockRepository(t)
	columns := []string{"city_id", "run_at", "training_rows", "r_squared", "low_confidence", "skipped"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM fact_model_run")).
		WithArgs("Berlin").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(int64(1), fixedNow, 160, 0.21, true, false))

	run, err := repo.LatestModelRun(context.Background(), "Berlin")
	require.NoError(t, err)
	assert.True(t, run.LowConfidence)
	assert.InDelta(t, 0.21, *run.RSquared, 1e-9)

	mock.ExpectQuery(regexp.QuoteMeta("FROM fact_model_run")).
		WithArgs("Atlantis").
		WillReturnRows(sqlmock.NewRows(columns))

	_, err = repo.LatestModelRun(context.Background(), "Atlantis")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "model_run not found: Atlantis", notFound.Error())
	assert.False(t, notFound.IsTransient())

	assert.NoError(t, mock.ExpectationsWereMet())
}
