package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/formulae/internal/observability"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string

	flag.StringVar(&databaseURL, "database", "", "Database URL (required)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to the migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, force")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		observability.Error("database URL is required: use -database or DATABASE_URL")
		os.Exit(1)
	}

	observability.Info("connecting to database", "migrationsPath", migrationsPath)

	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		observability.Error("failed to create migration instance", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	switch command {
	case "up":
		observability.Info("running migrations up")
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			observability.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Info("database already up to date")
		} else {
			observability.Info("migrations completed successfully")
		}

	case "down":
		observability.Info("rolling back migrations")
		err = m.Down()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			observability.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
		observability.Info("rollback completed successfully")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			observability.Error("failed to get migration version", "error", err)
			os.Exit(1)
		}
		observability.Info("current migration version", "version", version, "dirty", dirty)

	case "force":
		if len(flag.Args()) < 1 {
			observability.Error("force command requires a version number: -command force <version>")
			os.Exit(1)
		}
		var version int
		if _, err := fmt.Sscanf(flag.Arg(0), "%d", &version); err != nil {
			observability.Error("invalid version number", "error", err)
			os.Exit(1)
		}
		if err := m.Force(version); err != nil {
			observability.Error("failed to force migration version", "error", err)
			os.Exit(1)
		}
		observability.Info("forced migration version", "version", version)

	default:
		observability.Error("unknown migration command", "command", command)
		os.Exit(1)
	}
}
