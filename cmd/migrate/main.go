package main

import (
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	appmigrations "github.com/wolfman30/telecare-booking/migrations"
	"github.com/wolfman30/telecare-booking/pkg/logging"
)

// Usage:
//
//	migrate              apply every pending migration
//	migrate down <n>     roll back n migrations
//	migrate force <v>    mark version v as clean after a failed run
//	migrate version      print the current version
func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		fatal(logger, "DATABASE_URL is required", nil)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		fatal(logger, "open db", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		fatal(logger, "ping db", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		fatal(logger, "db driver", err)
	}
	srcDriver, err := iofs.New(appmigrations.FS, ".")
	if err != nil {
		fatal(logger, "source driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "postgres", dbDriver)
	if err != nil {
		fatal(logger, "create migrator", err)
	}
	defer func() { _, _ = m.Close() }()

	cmd := ""
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "force":
		version := argInt(logger, 2)
		if err := m.Force(version); err != nil {
			fatal(logger, "force version", err)
		}
		logger.Info("forced migration version", "version", version)
	case "down":
		steps := argInt(logger, 2)
		if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			fatal(logger, "migrate down", err)
		}
		logger.Info("rolled back migrations", "steps", steps)
	case "version":
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			fatal(logger, "read version", err)
		}
		logger.Info("migration version", "version", version, "dirty", dirty)
	case "", "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			fatal(logger, "migrate up", err)
		}
		logger.Info("migrations complete")
	default:
		fatal(logger, "unknown command "+strconv.Quote(cmd), nil)
	}
}

func argInt(logger *logging.Logger, i int) int {
	if len(os.Args) <= i {
		fatal(logger, "missing numeric argument", nil)
	}
	n, err := strconv.Atoi(os.Args[i])
	if err != nil || n < 0 {
		fatal(logger, "invalid numeric argument", err)
	}
	return n
}

func fatal(logger *logging.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, "error", err)
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
