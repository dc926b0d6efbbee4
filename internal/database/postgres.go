package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"

	"fleet-realtime/internal/geo"
	"fleet-realtime/internal/models"

	"github.com/jmoiron/sqlx"
)

// metersPerDegree is the length of one degree of latitude on the haversine sphere.
const metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

// PostgresStore implements Store on the driver_current_location and driver_status tables.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertLocation(ctx context.Context, loc models.RemoteEntityLocation) (int64, error) {
	// UPSERT location (update if exists, insert if not)
	query := `
		INSERT INTO driver_current_location (
			driver_id, latitude, longitude, heading, speed, accuracy, timestamp, is_connected, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, EXTRACT(EPOCH FROM NOW())::BIGINT)
		ON CONFLICT (driver_id)
		DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			heading = EXCLUDED.heading,
			speed = EXCLUDED.speed,
			accuracy = EXCLUDED.accuracy,
			timestamp = EXCLUDED.timestamp,
			is_connected = TRUE,
			updated_at = EXTRACT(EPOCH FROM NOW())::BIGINT
		RETURNING updated_at
	`

	var updatedAt int64
	err := s.db.QueryRowContext(ctx, query,
		loc.DriverID,
		loc.Latitude,
		loc.Longitude,
		loc.Heading,
		loc.Speed,
		loc.Accuracy,
		loc.Timestamp,
	).Scan(&updatedAt)
	if err != nil {
		return 0, fmt.Errorf("upsert location: %w", err)
	}
	return updatedAt, nil
}

// MarkDisconnected keeps the last position so dispatchers still see where the driver was.
func (s *PostgresStore) MarkDisconnected(ctx context.Context, driverID string) error {
	query := `
		UPDATE driver_current_location
		SET is_connected = FALSE,
		    updated_at = EXTRACT(EPOCH FROM NOW())::BIGINT
		WHERE driver_id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, driverID); err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveStatus(ctx context.Context, st models.RemoteEntityStatus) error {
	query := `
		INSERT INTO driver_status (driver_id, is_online, is_available, status, timestamp)
		VALUES (:driver_id, :is_online, :is_available, :status, :timestamp)
		ON CONFLICT (driver_id)
		DO UPDATE SET
			is_online = EXCLUDED.is_online,
			is_available = EXCLUDED.is_available,
			status = EXCLUDED.status,
			timestamp = EXCLUDED.timestamp
	`
	row := statusRow{
		DriverID:    st.DriverID,
		IsOnline:    st.IsOnline,
		IsAvailable: st.IsAvailable,
		Status:      st.Status,
		Timestamp:   st.Timestamp,
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	return nil
}

func (s *PostgresStore) Status(ctx context.Context, driverID string) (models.RemoteEntityStatus, bool, error) {
	var row statusRow
	err := s.db.GetContext(ctx, &row, `SELECT driver_id, is_online, is_available, status, timestamp FROM driver_status WHERE driver_id = $1`, driverID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RemoteEntityStatus{}, false, nil
	}
	if err != nil {
		return models.RemoteEntityStatus{}, false, fmt.Errorf("get status: %w", err)
	}
	return row.status(), true, nil
}

// Nearby narrows the search with a bounding box in SQL and applies the exact great-circle
// radius in Go.
func (s *PostgresStore) Nearby(ctx context.Context, lat, lng, radius float64) ([]models.RemoteEntityLocation, error) {
	dLat := radius / metersPerDegree
	dLng := dLat / math.Max(math.Cos(lat*math.Pi/180), 0.01)

	var rows []models.RemoteEntityLocation
	query := `
		SELECT driver_id, latitude, longitude, heading, speed, accuracy, timestamp, updated_at, is_connected
		FROM driver_current_location
		WHERE is_connected = TRUE
		  AND latitude BETWEEN $1 AND $2
		  AND longitude BETWEEN $3 AND $4
	`
	if err := s.db.SelectContext(ctx, &rows, query, lat-dLat, lat+dLat, lng-dLng, lng+dLng); err != nil {
		return nil, fmt.Errorf("nearby drivers: %w", err)
	}
	return withinRadius(rows, lat, lng, radius), nil
}

func (s *PostgresStore) Locations(ctx context.Context) ([]models.RemoteEntityLocation, error) {
	var rows []models.RemoteEntityLocation
	query := `
		SELECT driver_id, latitude, longitude, heading, speed, accuracy, timestamp, updated_at, is_connected
		FROM driver_current_location
		ORDER BY driver_id
	`
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type statusRow struct {
	DriverID    string `db:"driver_id"`
	IsOnline    bool   `db:"is_online"`
	IsAvailable bool   `db:"is_available"`
	Status      string `db:"status"`
	Timestamp   int64  `db:"timestamp"`
}

func (r statusRow) status() models.RemoteEntityStatus {
	return models.RemoteEntityStatus{
		DriverID:    r.DriverID,
		IsOnline:    r.IsOnline,
		IsAvailable: r.IsAvailable,
		Status:      r.Status,
		Timestamp:   r.Timestamp,
	}
}

// withinRadius keeps the locations within radius meters of (lat, lng), closest first.
func withinRadius(locs []models.RemoteEntityLocation, lat, lng, radius float64) []models.RemoteEntityLocation {
	origin := models.LocationUpdate{Latitude: lat, Longitude: lng}
	out := make([]models.RemoteEntityLocation, 0, len(locs))
	for _, l := range locs {
		d := geo.Distance(origin, l.Update())
		if d > radius {
			continue
		}
		l.Distance = models.Float(d)
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].Distance < *out[j].Distance })
	return out
}
