// Package session runs the driver-side pipeline: position source, movement classification,
// batching and the offline queue, all flowing into one Connection Manager.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/batching"
	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/platform"
	"fleet-realtime/internal/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("session stopped")

type Config struct {
	Credentials models.Credentials
	Connection  connection.Config
	Batching    batching.Config
	Logger      *zerolog.Logger
}

// Platform bundles the device capabilities. Nil members fall back to the no-op implementations.
type Platform struct {
	Position platform.PositionSource
	Network  platform.NetworkObserver
	Battery  platform.BatteryObserver
}

// Session is one driver's live pipeline. Create it with New, run it with Start and always
// end it with Stop.
type Session struct {
	cfg     Config
	logger  zerolog.Logger
	conn    *connection.Manager
	engine  *batching.Engine
	geo     *platform.GeoAdapter
	network platform.NetworkObserver

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancels  []func()
	stopOnce sync.Once
	stopErr  error
}

func New(dialer transport.Dialer, p Platform, cfg Config) *Session {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if cfg.Connection.Logger == nil {
		cfg.Connection.Logger = &logger
	}
	if cfg.Batching.Logger == nil {
		cfg.Batching.Logger = &logger
	}
	if p.Position == nil {
		p.Position = platform.NoPosition{}
	}
	if p.Network == nil {
		p.Network = platform.NewStaticNetwork(models.EffectiveTypeUnknown)
	}
	if p.Battery == nil {
		p.Battery = platform.NoBattery{}
	}

	conn := connection.New(dialer, cfg.Connection)
	return &Session{
		cfg:     cfg,
		logger:  logger.With().Str("module", "session").Str("driver_id", cfg.Credentials.DriverID).Logger(),
		conn:    conn,
		engine:  batching.NewEngine(conn, p.Network, p.Battery, cfg.Batching),
		geo:     platform.NewGeoAdapter(p.Position, logger),
		network: p.Network,
	}
}

// Start connects and begins watching the position source. With AutoReconnect a failed first
// dial is left to the reconnect policy while updates go to the offline queue; without it the
// dial error is returned. An unavailable position source is surfaced on the error slot and
// doesn't stop the connection.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.cancels = append(s.cancels,
		s.conn.OnStateChange(s.stateChanged),
		s.network.OnNetworkChange(s.networkChanged),
	)
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, s.cfg.Credentials); err != nil {
		if !s.cfg.Connection.AutoReconnect {
			return err
		}
		s.logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	err := s.geo.Start(ctx, s.onFix, s.conn.Report)
	if err != nil {
		s.conn.Report(err)
	}
	return nil
}

func (s *Session) onFix(u models.LocationUpdate) {
	out, err := s.engine.Enqueue(u)
	switch {
	case errors.Is(err, apperr.ErrQueueOverflow):
		s.logger.Debug().Msg("offline queue overflow")
	case err != nil:
		s.logger.Warn().Err(err).Str("outcome", out.String()).Msg("batch not delivered, kept for the next flush")
	}
}

// stateChanged replays the offline queue whenever the session becomes Connected.
func (s *Session) stateChanged(prev, next models.ConnectionState) {
	s.logger.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")
	if next != models.StateConnected || s.engine.Offline().Len() == 0 {
		return
	}
	if _, err := s.engine.DrainOffline(); err != nil {
		s.conn.Report(err)
	}
}

// networkChanged replays the offline queue when the platform comes back online without the
// connection ever dropping.
func (s *Session) networkChanged(n models.NetworkInfo) {
	s.logger.Debug().Bool("online", n.IsOnline).Str("effective_type", string(n.EffectiveType)).Msg("network changed")
	if !n.IsOnline || s.conn.State() != models.StateConnected || s.engine.Offline().Len() == 0 {
		return
	}
	if _, err := s.engine.DrainOffline(); err != nil {
		s.conn.Report(err)
	}
}

// Stop is the single teardown path: it releases the position subscription, disarms timers,
// makes one best-effort flush of buffered and offline updates and disconnects. It is safe to
// call more than once and returns the flush error, if any.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancels := s.cancels
		s.cancels = nil
		s.mu.Unlock()

		s.geo.Stop()
		for _, cancel := range cancels {
			cancel()
		}
		s.stopErr = s.engine.Close()
		if s.stopErr != nil {
			s.logger.Debug().Err(s.stopErr).Msg("final flush incomplete")
		}
		s.conn.Disconnect()
		s.logger.Info().Msg("session stopped")
	})
	return s.stopErr
}

// Enqueue feeds an update that did not come from the position source, such as a manual check-in.
func (s *Session) Enqueue(u models.LocationUpdate) (batching.Outcome, error) {
	return s.engine.Enqueue(u)
}

// SendImmediate sends u right away, bypassing batching.
func (s *Session) SendImmediate(u models.LocationUpdate) error {
	return s.engine.SendImmediate(u)
}

// SendStatus sends a partial status. The server fills omitted fields.
func (s *Session) SendStatus(st models.StatusUpdate) error {
	return s.conn.Send(models.EventStatusUpdate, st)
}

// Flush sends the buffered updates now.
func (s *Session) Flush() error {
	_, err := s.engine.Flush()
	return err
}

func (s *Session) Moving() bool {
	return s.engine.Moving()
}

func (s *Session) Stats() models.QueueStats {
	return s.engine.Stats()
}

func (s *Session) State() models.ConnectionState {
	return s.conn.State()
}

func (s *Session) Quality() models.Quality {
	return s.conn.Quality()
}

// RTT is the last heartbeat round trip.
func (s *Session) RTT() time.Duration {
	return s.conn.RTT()
}

// Errors is the session's observable error slot.
func (s *Session) Errors() <-chan error {
	return s.conn.Errors()
}

func (s *Session) LastError() error {
	return s.conn.LastError()
}

// Connection exposes the underlying Connection Manager.
func (s *Session) Connection() *connection.Manager {
	return s.conn
}

// WatchingPosition reports whether the position subscription is live.
func (s *Session) WatchingPosition() bool {
	return s.geo.Running()
}
