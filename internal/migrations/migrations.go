// Package migrations embeds the schema and applies it with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"airquality-platform/pkg/logging"
)

//go:embed *.sql
var FS embed.FS

// TableName is the bookkeeping table golang-migrate writes to
const TableName = "schema_migrations"

// Direction selects which way Run migrates
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection validates a direction flag value
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Up, Down:
		return Direction(s), nil
	default:
		return "", fmt.Errorf("unsupported migration direction %q (want up or down)", s)
	}
}

// Run applies or reverts every embedded migration. The migrate instance is
// closed before returning, which also closes db.
func Run(ctx context.Context, db *sql.DB, direction Direction, logger *logging.StructuredLogger) error {
	source, err := iofs.New(FS, ".")
	if err != nil {
		return fmt.Errorf("failed to create iofs source driver: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: TableName})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	logger.Info(ctx, "[MIGRATE_START] Running migrations", logging.Fields{
		"direction": string(direction),
		"table":     TableName,
	})

	switch direction {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	default:
		return fmt.Errorf("unsupported migration direction %q", direction)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info(ctx, "[MIGRATE_NO_CHANGE] Schema already current", logging.Fields{
			"direction": string(direction),
		})
		return nil
	}
	if err != nil {
		if version, dirty, verr := m.Version(); verr == nil {
			logger.Error(ctx, "[MIGRATE_ERROR] Migration failed", logging.Fields{
				"version": version,
				"dirty":   dirty,
			}, err)
		}
		return fmt.Errorf("migration %s failed: %w", direction, err)
	}

	version, _, _ := m.Version()
	logger.Info(ctx, "[MIGRATE_DONE] Migrations applied", logging.Fields{
		"direction": string(direction),
		"version":   version,
	})
	return nil
}
