// Command migrate applies the schema in internal/database/migrations.
//
//	migrate up | down | version | force N
package main

import (
	"database/sql"
	"os"
	"strconv"

	"github.com/Niiaks/Lodge/internal/config"
	"github.com/Niiaks/Lodge/internal/logger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	log := logger.NewLoggerWithService(cfg.Observability, nil)

	if len(os.Args) < 2 {
		log.Fatal().Msg("usage: migrate up|down|version|force N")
	}

	m, closeDB, err := open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open migrations")
	}
	defer closeDB()

	if err := run(m, os.Args[1:], &log); err != nil {
		log.Error().Err(err).Msg("migration failed")
		closeDB()
		os.Exit(1)
	}
}

func open(cfg config.DatabaseConfig) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "ping database")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrap(err, "postgres driver")
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrapf(err, "load migrations from %s", cfg.MigrationsPath)
	}
	return m, func() { db.Close() }, nil
}

func run(m *migrate.Migrate, args []string, log *zerolog.Logger) error {
	switch cmd := args[0]; cmd {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "force":
		if len(args) < 2 {
			return errors.New("force needs a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return errors.Wrap(err, "force version")
		}
		if err := m.Force(v); err != nil {
			return err
		}
	case "version":
	default:
		return errors.Errorf("unknown command %q", cmd)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return err
	}
	log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Schema version")
	return nil
}
