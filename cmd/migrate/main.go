package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"airquality-platform/internal/app"
	"airquality-platform/internal/migrations"
	"airquality-platform/pkg/logging"
)

func main() {
	directionFlag := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	direction, err := migrations.ParseDirection(*directionFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	cfg, err := app.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := app.NewLogger("airquality-migrate", cfg.Logging)
	ctx := context.Background()

	db, err := sql.Open("postgres", app.DatabaseConfig(cfg.Database).DSN())
	if err != nil {
		logger.Fatal(ctx, "[MIGRATE_ERROR] Failed to open database", logging.Fields{}, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		logger.Fatal(ctx, "[MIGRATE_ERROR] Failed to connect to database", logging.Fields{
			"host":     cfg.Database.Host,
			"database": cfg.Database.Database,
		}, err)
	}

	// Run closes db
	if err := migrations.Run(ctx, db, direction, logger); err != nil {
		logger.Fatal(ctx, "[MIGRATE_ERROR] Migration failed", logging.Fields{}, err)
	}
}
