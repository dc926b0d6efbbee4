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
	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/dispatcher"
	"fleet-realtime/internal/handlers"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/mqtt"
	"fleet-realtime/internal/transport"
	"fleet-realtime/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
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
		log.Fatal().Err(err).Msg("❌ invalid dispatcher configuration")
	}
	cfg.Log.Setup()
	if cfg.Credentials.UserType != "dispatcher" {
		log.Fatal().Str("user_type", cfg.Credentials.UserType).Msg("❌ set USER_TYPE=dispatcher")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := connection.New(dialer(cfg), cfg.Connection())
	view := dispatcher.New(conn, dispatcher.Config{QueryTimeout: cfg.QueryTimeout})
	defer view.Close()

	view.OnChange(func(e dispatcher.Entity) {
		ev := log.Info().Str("driver_id", e.DriverID)
		if e.Display != nil {
			ev = ev.Float64("lat", e.Display.Latitude).Float64("lng", e.Display.Longitude)
		}
		if e.Status != nil {
			ev = ev.Bool("online", e.Status.IsOnline).Str("status", e.Status.Status)
		}
		ev.Msg("📍 driver changed")
	})

	// Tracking is per connection on the relay, so it is re-sent after every reconnect.
	conn.OnStateChange(func(prev, next models.ConnectionState) {
		log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")
		if next != models.StateConnected || prev == models.StateDegraded {
			return
		}
		for _, id := range cfg.TrackDrivers {
			if err := view.TrackDriver(id); err != nil {
				log.Warn().Err(err).Str("driver_id", id).Msg("track failed")
			}
		}
	})

	log.Info().Str("user_id", cfg.Credentials.UserID).Str("transport", cfg.Transport).Msg("🚀 dispatcher starting")
	if err := conn.Connect(ctx, cfg.Credentials); err != nil && !cfg.AutoReconnect {
		log.Fatal().Err(err).Msg("❌ connect failed")
	}

	go func() {
		for err := range conn.Errors() {
			log.Warn().Err(err).Msg("connection error")
		}
	}()

	var srv *http.Server
	if cfg.DebugAddr != "" {
		srv = debugServer(cfg.DebugAddr, view)
	}

	<-ctx.Done()
	log.Info().Msg("🔴 stopping dispatcher")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	conn.Disconnect()
}

func debugServer(addr string, view *dispatcher.Store) *http.Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/entities", handlers.GetEntities(view))
	r.Get("/entities/{id}", handlers.GetEntity(view))
	r.Get("/nearby", handlers.QueryNearby(view))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("📊 debug server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("❌ debug server failed")
		}
	}()
	return srv
}
