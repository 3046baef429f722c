package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airquality-platform/pkg/logging"
	"airquality-platform/pkg/metrics"
)

func newMockDB(t *testing.T) (*PostgresDB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pg := NewFromDB(sqlx.NewDb(db, "postgres"), &Config{Database: "airquality"}, logging.Discard(), metrics.NewNopCollector())
	return pg, mock
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "db", Port: 5432, User: "etl", Password: "secret", Database: "airquality", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=etl password=secret dbname=airquality sslmode=disable", cfg.DSN())

	cfg.Password = ""
	assert.Equal(t, "host=db port=5432 user=etl dbname=airquality sslmode=disable", cfg.DSN())
}

func TestOpen_DoesNotConnect(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 1, User: "etl", Database: "airquality", SSLMode: "disable", MaxOpenConns: 1}

	pg, err := Open(cfg, logging.Discard(), metrics.NewNopCollector())
	require.NoError(t, err, "nothing listens on port 1 but opening must still succeed")
	defer pg.Close()

	assert.Error(t, pg.HealthCheck(context.Background()))
}

func TestNewPostgresDB_FailsWhenUnreachable(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 1, User: "etl", Database: "airquality", SSLMode: "disable"}

	_, err := NewPostgresDB(cfg, logging.Discard(), metrics.NewNopCollector())
	assert.ErrorContains(t, err, "failed to ping database")
}

func TestHealthCheck(t *testing.T) {
	pg, mock := newMockDB(t)

	mock.ExpectPing()
	require.NoError(t, pg.HealthCheck(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	err := pg.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database health check failed")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginTx(t *testing.T) {
	pg, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	tx, err := pg.BeginTx(context.Background(), sql.LevelReadCommitted)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectContext(t *testing.T) {
	pg, mock := newMockDB(t)

	mock.ExpectQuery("SELECT name FROM dim_city").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Berlin").AddRow("Paris"))

	var names []string
	require.NoError(t, pg.SelectContext(context.Background(), "list_cities", &names, "SELECT name FROM dim_city ORDER BY name"))
	assert.Equal(t, []string{"Berlin", "Paris"}, names)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContext_NoRowsIsNotLoggedAsFailure(t *testing.T) {
	pg, mock := newMockDB(t)

	mock.ExpectQuery("SELECT city_id FROM dim_city").WillReturnError(sql.ErrNoRows)

	var id int64
	err := pg.GetContext(context.Background(), "city_id", &id, "SELECT city_id FROM dim_city WHERE name = $1", "Atlantis")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose(t *testing.T) {
	pg, mock := newMockDB(t)
	mock.ExpectClose()

	require.NoError(t, pg.Close())
	assert.NoError(t, mock.ExpectationsWereMet())

	// the pool monitor stop channel is closed exactly once; the handle itself is already gone
	assert.NotPanics(t, func() { _ = pg.Close() })
}
