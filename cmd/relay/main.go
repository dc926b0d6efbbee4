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
	"fleet-realtime/internal/database"
	"fleet-realtime/internal/handlers"
	"fleet-realtime/internal/metrics"
	"fleet-realtime/internal/middleware"
	"fleet-realtime/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

func main() {
	v, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ failed to load environment")
	}
	cfg, err := config.RelayFrom(v)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ invalid relay configuration")
	}
	cfg.Log.Setup()

	log.Info().Msg("🚀 fleet relay starting")

	var store database.Store
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ database connection failed")
		}
		if err := database.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("❌ database migrations failed")
		}
		store = database.NewPostgresStore(db)
	} else {
		log.Warn().Msg("⚠️  DATABASE_URL not set, keeping locations in memory")
		store = database.NewMemoryStore()
	}
	defer store.Close()

	if cfg.JWTSecret == "" {
		log.Warn().Msg("⚠️  APP_JWT_SECRET not set, accepting unauthenticated clients")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(websocket.HubConfig{JWTSecret: cfg.JWTSecret, Store: store})
	go hub.Run(ctx)
	log.Info().Msg("✅ websocket hub started")

	reg, err := metrics.NewRegistry(metrics.NewRelayCollectors(hub)...)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ metrics registration failed")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", handlers.Health(hub))
	r.Handle("/metrics", metrics.Handler(reg))

	// Token comes from the query parameter; see websocket.HandleWebSocket.
	r.Get("/ws", websocket.HandleWebSocket(hub))

	r.Route("/api", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RequireRole("dispatcher", "admin"))
		}
		r.Get("/drivers", handlers.GetDrivers(store, hub))
		r.Get("/drivers/nearby", handlers.GetNearbyDrivers(store))
		r.Get("/drivers/{id}", handlers.GetDriver(store, hub))
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("🔴 shutting down")
		hub.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}()

	log.Info().Str("port", cfg.Port).Msgf("🔌 listening on http://localhost:%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Str("port", cfg.Port).Msg("❌ server failed to start")
	}
	log.Info().Msg("relay stopped")
}
