// Package database is the relay's last-known-location store: Postgres through sqlx when a
// DATABASE_URL is configured, memory otherwise.
package database

import (
	"context"
	"fmt"

	"fleet-realtime/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Store keeps one row per driver: the latest location, whether the driver is connected and the
// latest status.
type Store interface {
	UpsertLocation(ctx context.Context, loc models.RemoteEntityLocation) (updatedAt int64, err error)
	MarkDisconnected(ctx context.Context, driverID string) error
	SaveStatus(ctx context.Context, st models.RemoteEntityStatus) error
	Status(ctx context.Context, driverID string) (models.RemoteEntityStatus, bool, error)
	// Nearby returns connected drivers within radius meters, closest first, with Distance set.
	Nearby(ctx context.Context, lat, lng, radius float64) ([]models.RemoteEntityLocation, error)
	Locations(ctx context.Context) ([]models.RemoteEntityLocation, error)
	Close() error
}

func Connect(dbURL string) (*sqlx.DB, error) {
	logger := log.With().Str("module", "database").Logger()
	logger.Info().Int("url_length", len(dbURL)).Msg("🔌 connecting to database")

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info().Msg("✅ database connection successful")
	return db, nil
}

func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// One row per driver, updated via UPSERT. Live tracking goes through the websocket
		// broadcasts, the table is the fallback for dispatchers that connect later.
		`CREATE TABLE IF NOT EXISTS driver_current_location (
			driver_id TEXT PRIMARY KEY,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			heading DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			accuracy DOUBLE PRECISION,
			timestamp BIGINT NOT NULL,
			is_connected BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at BIGINT NOT NULL DEFAULT EXTRACT(EPOCH FROM NOW())::BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_driver_current_location_is_connected ON driver_current_location(is_connected)`,
		`CREATE INDEX IF NOT EXISTS idx_driver_current_location_lat_lng ON driver_current_location(latitude, longitude)`,

		`CREATE TABLE IF NOT EXISTS driver_status (
			driver_id TEXT PRIMARY KEY,
			is_online BOOLEAN NOT NULL DEFAULT TRUE,
			is_available BOOLEAN NOT NULL DEFAULT TRUE,
			status TEXT NOT NULL DEFAULT '',
			timestamp BIGINT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Info().Str("module", "database").Msg("✓ database migrations completed")
	return nil
}
