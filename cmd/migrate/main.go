package main

import (
	"fleet-realtime/internal/config"
	"fleet-realtime/internal/database"

	"github.com/rs/zerolog/log"
)

func main() {
	v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load environment")
	}
	config.Log{Level: v.GetString("LOG_LEVEL"), Pretty: v.GetBool("LOG_PRETTY")}.Setup()

	dbURL := v.GetString("DATABASE_URL")
	if dbURL == "" {
		log.Fatal().Msg("DATABASE_URL environment variable not set")
	}

	db, err := database.Connect(dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("Migration completed successfully!")
}
