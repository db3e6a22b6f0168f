package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"crewmap/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert violates a unique constraint.
	ErrConflict = errors.New("record already exists")
)

const uniqueViolation = "23505"

// Store is the Postgres-backed persistence for crews, drivers and locations.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const driverColumns = `id, crew_id, nickname, COALESCE(truck_number, ''), color, is_active, last_seen, created_at`

func scanDriver(row interface{ Scan(...any) error }) (*models.Driver, error) {
	var d models.Driver
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.CrewID, &d.Nickname, &d.TruckNumber, &d.Color, &d.IsActive, &lastSeen, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return &d, nil
}

// GetDriver fetches a driver by primary key.
func (s *Store) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id)
	d, err := scanDriver(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// GetDriverByNickname fetches the driver of a crew with an exactly matching nickname.
func (s *Store) GetDriverByNickname(ctx context.Context, crewID, nickname string) (*models.Driver, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+driverColumns+` FROM drivers WHERE crew_id=$1 AND nickname=$2`,
		crewID, nickname,
	)
	d, err := scanDriver(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

// ListDrivers returns the drivers of a crew ordered by join time.
func (s *Store) ListDrivers(ctx context.Context, crewID string, activeOnly bool) ([]models.Driver, error) {
	query := `SELECT ` + driverColumns + ` FROM drivers WHERE crew_id=$1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, crewID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drivers []models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, *d)
	}
	return drivers, rows.Err()
}

// CreateDriver inserts a new driver. A nickname already taken in the crew yields ErrConflict.
func (s *Store) CreateDriver(ctx context.Context, d *models.Driver) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO drivers (id, crew_id, nickname, truck_number, color, is_active, last_seen)
         VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7) RETURNING created_at`,
		d.ID, d.CrewID, d.Nickname, d.TruckNumber, d.Color, d.IsActive, d.LastSeen,
	).Scan(&d.CreatedAt)
	return conflict(err)
}

// SetDriverActive flips the is_active flag. Drivers are never hard-deleted.
func (s *Store) SetDriverActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE drivers SET is_active=$1 WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen records the ingestion time on the driver. Concurrent writers
// race and the last one wins.
func (s *Store) TouchLastSeen(ctx context.Context, driverID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE drivers SET last_seen=$1 WHERE id=$2`, at, driverID)
	return err
}

// GetCrewByCode looks a crew up by its code, ignoring case.
func (s *Store) GetCrewByCode(ctx context.Context, code string) (*models.Crew, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, COALESCE(name, ''), created_at, expires_at FROM crews WHERE upper(code)=$1`,
		strings.ToUpper(code),
	)
	return scanCrew(row)
}

func scanCrew(row *sql.Row) (*models.Crew, error) {
	var c models.Crew
	var expires sql.NullTime
	if err := row.Scan(&c.ID, &c.Code, &c.Name, &c.CreatedAt, &expires); err != nil {
		return nil, notFound(err)
	}
	if expires.Valid {
		t := expires.Time
		c.ExpiresAt = &t
	}
	return &c, nil
}

// CreateCrew inserts a crew. A code clash yields ErrConflict.
func (s *Store) CreateCrew(ctx context.Context, c *models.Crew) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO crews (id, code, name, expires_at) VALUES ($1, $2, NULLIF($3, ''), $4) RETURNING created_at`,
		c.ID, strings.ToUpper(c.Code), c.Name, c.ExpiresAt,
	).Scan(&c.CreatedAt)
	return conflict(err)
}

// AppendLocation inserts a sample. Samples are never updated or deleted.
func (s *Store) AppendLocation(ctx context.Context, l *models.LocationSample) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO locations (driver_id, crew_id, latitude, longitude, accuracy, speed, heading, altitude, geohash, timestamp, received_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		l.DriverID, l.CrewID, l.Latitude, l.Longitude,
		nullFloat(l.Accuracy), nullFloat(l.Speed), nullFloat(l.Heading), nullFloat(l.Altitude),
		l.Geohash, l.Timestamp, l.ReceivedAt,
	).Scan(&l.ID)
}

// ListLocationsSince returns a crew's samples with timestamp >= since, oldest first.
func (s *Store) ListLocationsSince(ctx context.Context, crewID string, since time.Time) ([]models.LocationSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, driver_id, crew_id, latitude, longitude, accuracy, speed, heading, altitude, COALESCE(geohash, ''), timestamp, received_at
         FROM locations WHERE crew_id=$1 AND timestamp >= $2 ORDER BY timestamp ASC`,
		crewID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []models.LocationSample
	for rows.Next() {
		var l models.LocationSample
		var accuracy, speed, heading, altitude sql.NullFloat64
		if err := rows.Scan(&l.ID, &l.DriverID, &l.CrewID, &l.Latitude, &l.Longitude,
			&accuracy, &speed, &heading, &altitude, &l.Geohash, &l.Timestamp, &l.ReceivedAt); err != nil {
			return nil, err
		}
		l.Accuracy = floatPtr(accuracy)
		l.Speed = floatPtr(speed)
		l.Heading = floatPtr(heading)
		l.Altitude = floatPtr(altitude)
		samples = append(samples, l)
	}
	return samples, rows.Err()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Constraint)
	}
	return err
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
