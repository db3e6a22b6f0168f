package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"crewmap/config"
)

// Open connects to Postgres, retrying while the database comes up.
func Open(cfg config.DBConfig, attempts int, delay time.Duration, log logrus.FieldLogger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}

	for i := 1; i <= attempts; i++ {
		if err = db.Ping(); err == nil {
			log.WithField("host", cfg.Host).Info("Database connected.")
			return db, nil
		}
		log.WithError(err).Warnf("Waiting for the database to be ready... (attempt %d)", i)
		if i < attempts {
			time.Sleep(delay)
		}
	}
	db.Close()
	return nil, fmt.Errorf("could not connect to the database: %w", err)
}
