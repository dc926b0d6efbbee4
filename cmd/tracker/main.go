package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleet-realtime/internal/config"
	"fleet-realtime/internal/handlers"
	"fleet-realtime/internal/metrics"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/mqtt"
	"fleet-realtime/internal/platform"
	"fleet-realtime/internal/session"
	"fleet-realtime/internal/transport"
	"fleet-realtime/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// A loop around lower Manhattan, driven at city speed.
var route = []platform.Waypoint{
	{Latitude: 40.7075, Longitude: -74.0113},
	{Latitude: 40.7128, Longitude: -74.0060},
	{Latitude: 40.7150, Longitude: -73.9980},
	{Latitude: 40.7095, Longitude: -73.9990},
}

const (
	simSpeed    = 11.0 // m/s
	simInterval = 2 * time.Second
)

func dialer(cfg config.Client) transport.Dialer {
	if cfg.Transport == config.TransportMQTT {
		return mqtt.NewDialer(cfg.MQTT())
	}
	return websocket.NewDialer(cfg.ServerURL, cfg.AuthToken, nil)
}

func main() {
	v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ failed to load environment")
	}
	cfg, err := config.ClientFrom(v)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ invalid tracker configuration")
	}
	cfg.Log.Setup()
	if cfg.Credentials.UserType != "driver" {
		log.Fatal().Str("user_type", cfg.Credentials.UserType).Msg("❌ tracker runs as a driver")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := session.New(dialer(cfg), session.Platform{
		Position: &platform.RouteSimulator{Route: route, Speed: simSpeed, Interval: simInterval, Accuracy: 8},
		Network:  platform.NewStaticNetwork(models.EffectiveType4G),
		Battery:  platform.NewStaticBattery(80, false),
	}, session.Config{
		Credentials: cfg.Credentials,
		Connection:  cfg.Connection(),
		Batching:    cfg.Batching(),
	})

	log.Info().
		Str("driver_id", cfg.Credentials.DriverID).
		Str("transport", cfg.Transport).
		Msg("🚀 tracker starting")
	if err := s.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("❌ session failed to start")
	}

	go func() {
		for err := range s.Errors() {
			log.Warn().Err(err).Str("state", s.State().String()).Msg("session error")
		}
	}()

	var srv *http.Server
	if cfg.DebugAddr != "" {
		srv = debugServer(cfg, s)
	}

	<-ctx.Done()
	log.Info().Msg("🔴 stopping tracker")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := s.Stop(); err != nil {
		log.Warn().Err(err).Interface("stats", s.Stats()).Msg("updates left undelivered")
	}
}

func debugServer(cfg config.Client, s *session.Session) *http.Server {
	reg, err := metrics.NewRegistry(metrics.NewSessionCollector(s, cfg.Credentials.DriverID))
	if err != nil {
		log.Fatal().Err(err).Msg("❌ metrics registration failed")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/stats", handlers.GetStats(s))
	r.Post("/flush", handlers.Flush(s))
	r.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: cfg.DebugAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.DebugAddr).Msg("📊 debug server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ debug server failed")
		}
	}()
	return srv
}
