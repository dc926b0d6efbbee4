package main

import (
	"fmt"
	"time"

	"fleet-realtime/internal/auth"
	"fleet-realtime/internal/config"

	"github.com/rs/zerolog/log"
)

// Prints a signed token for the identity in the environment, for running the tracker and
// dispatcher against a relay that has APP_JWT_SECRET set.
func main() {
	v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load environment")
	}
	v.SetDefault("TOKEN_TTL", 24*time.Hour)

	secret := v.GetString("APP_JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("APP_JWT_SECRET environment variable not set")
	}
	claims := auth.Claims{
		UserID:    v.GetString("USER_ID"),
		CompanyID: v.GetString("COMPANY_ID"),
		DriverID:  v.GetString("DRIVER_ID"),
		Role:      v.GetString("USER_TYPE"),
	}
	if claims.UserID == "" || claims.CompanyID == "" {
		log.Fatal().Msg("USER_ID and COMPANY_ID are required")
	}
	if claims.Role == "driver" && claims.DriverID == "" {
		log.Fatal().Msg("DRIVER_ID is required for a driver token")
	}

	token, err := auth.Issue(claims, secret, v.GetDuration("TOKEN_TTL"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to sign token")
	}
	log.Info().Str("user_id", claims.UserID).Str("role", claims.Role).Msg("✅ token issued")
	fmt.Println(token)
}
