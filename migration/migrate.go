package migration

import (
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"

	"crewmap/config"
	"crewmap/database"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Direction selects which way RunMigrations moves the schema.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Source returns the embedded migration files.
func Source() (source.Driver, error) {
	return iofs.New(sqlFiles, "sql")
}

// RunMigrations waits for the database and then applies the embedded
// migrations in the given direction.
func RunMigrations(cfg config.DBConfig, dir Direction, log logrus.FieldLogger) error {
	if dir != Up && dir != Down {
		return fmt.Errorf("unknown migration direction %q", dir)
	}

	// Retry connecting to the database to ensure it's ready
	db, err := database.Open(cfg, 10, 3*time.Second, log)
	if err != nil {
		return err
	}
	db.Close()

	src, err := Source()
	if err != nil {
		return fmt.Errorf("could not open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL())
	if err != nil {
		return fmt.Errorf("could not start migrations: %w", err)
	}
	defer m.Close()

	if dir == Up {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return verr
	}
	log.WithFields(logrus.Fields{"version": version, "dirty": dirty, "direction": dir}).
		Info("Migrations applied successfully!")
	return nil
}
