// Package connection owns the lifecycle of a session's duplex channel: connect, authenticate,
// heartbeat quality estimation, bounded reconnection and inbound event dispatch.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// maxOutstandingPings bounds the ping bookkeeping when the server stops answering.
const maxOutstandingPings = 8

var errStale = errors.New("connection attempt superseded")

// Handler receives one inbound event.
type Handler func(f transport.Frame)

// StateListener observes state transitions. Listeners run in transition order on a
// dedicated goroutine and may call back into the Manager.
type StateListener func(prev, next models.ConnectionState)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Manager is one logical session's connection. Create it with New and start it with Connect.
type Manager struct {
	cfg    Config
	dialer transport.Dialer
	logger zerolog.Logger

	mu       sync.Mutex
	state    models.ConnectionState
	changed  chan struct{}
	quality  models.Quality
	rtt      time.Duration
	creds    models.Credentials
	active   bool
	epoch    uint64
	life     context.Context
	cancel   context.CancelFunc
	conn     transport.Conn
	gen      uint64
	attempts int
	// redialed is set while the immediate reconnect after a graceful close is in flight.
	redialed bool
	retry    *time.Timer
	beatStop chan struct{}
	pingSeq  uint64
	pings    map[uint64]time.Time
	lastErr  error

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	listeners  []stateEntry
	nextID     uint64

	notify serialQueue
	errs   chan error
}

type stateEntry struct {
	id uint64
	fn StateListener
}

// New builds a disconnected Manager that dials through dialer.
func New(dialer transport.Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.With().Str("module", "connection").Logger(),
		state:    models.StateDisconnected,
		changed:  make(chan struct{}),
		quality:  models.QualityOffline,
		pings:    make(map[uint64]time.Time),
		handlers: make(map[string][]handlerEntry),
		errs:     make(chan error, 32),
	}
}

// Connect opens the channel and starts authentication with creds. The first dial runs on the
// caller's goroutine and its failure is returned; with AutoReconnect the Manager keeps retrying
// in the background. Connecting an already active Manager is a no-op.
func (m *Manager) Connect(ctx context.Context, creds models.Credentials) error {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil
	}
	m.active = true
	m.epoch++
	epoch := m.epoch
	m.creds = creds
	m.attempts = 0
	m.redialed = false
	m.lastErr = nil
	m.life, m.cancel = context.WithCancel(context.Background())
	life := m.life
	m.setStateLocked(models.StateConnecting)
	m.mu.Unlock()

	m.logger.Info().Str("user_id", creds.UserID).Str("user_type", creds.UserType).Msg("connecting")

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(life, cancel)
	defer stop()

	err := m.dial(dialCtx, epoch)
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		m.dialFailed(epoch, err)
		return err
	}
	return nil
}

// Disconnect closes the channel and cancels any pending reconnect. It is the graceful,
// client-initiated stop and never triggers a reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	wasActive := m.active
	m.active = false
	m.epoch++
	if m.cancel != nil {
		m.cancel()
	}
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.stopHeartbeatLocked()
	conn := m.conn
	m.conn = nil
	m.gen++
	m.setStateLocked(models.StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasActive {
		m.logger.Info().Msg("disconnected")
	}
}

// Send emits event with payload. It fails with NotConnected unless the session is
// authenticated, and with TransportError when the write fails.
func (m *Manager) Send(event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	online := m.state.Online()
	m.mu.Unlock()

	if !online || conn == nil {
		return apperr.New(apperr.KindNotConnected, event, nil)
	}
	if err := conn.Send(event, payload); err != nil {
		return apperr.New(apperr.KindTransport, event, err)
	}
	return nil
}

// On registers h for event and returns a function that removes it. Handlers run on the
// connection's read goroutine, one frame at a time.
func (m *Manager) On(event string, h Handler) (cancel func()) {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	m.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.handlersMu.Lock()
			defer m.handlersMu.Unlock()
			list := m.handlers[event]
			for i, e := range list {
				if e.id == id {
					m.handlers[event] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

// OnJSON registers a handler that decodes the payload into T first. Undecodable payloads are
// logged and dropped.
func OnJSON[T any](m *Manager, event string, fn func(T)) (cancel func()) {
	return m.On(event, func(f transport.Frame) {
		var v T
		if err := f.Decode(&v); err != nil {
			m.logger.Warn().Err(err).Str("event", event).Msg("invalid payload")
			return
		}
		fn(v)
	})
}

// OnStateChange registers l for every state transition.
func (m *Manager) OnStateChange(l StateListener) (cancel func()) {
	m.handlersMu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, stateEntry{id: id, fn: l})
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		defer m.handlersMu.Unlock()
		for i, e := range m.listeners {
			if e.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// HandlerCount returns the number of handlers registered for event.
func (m *Manager) HandlerCount(event string) int {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	return len(m.handlers[event])
}

// State returns the current connection state.
func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Quality returns the heartbeat quality estimate. It is offline unless authenticated.
func (m *Manager) Quality() models.Quality {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Online() {
		return models.QualityOffline
	}
	return m.quality
}

// RTT returns the last measured heartbeat round trip.
func (m *Manager) RTT() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rtt
}

// Attempts returns the reconnect attempts made since the last successful authentication.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Errors is the observable error slot. Errors are dropped when nobody drains it.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// LastError returns the most recent surfaced error.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// WaitConnected blocks until the session is authenticated, the Manager gives up, or ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		state, active, lastErr, changed := m.state, m.active, m.lastErr, m.changed
		m.mu.Unlock()

		if state.Online() {
			return nil
		}
		if !active {
			if lastErr != nil {
				return lastErr
			}
			return apperr.New(apperr.KindNotConnected, "wait", nil)
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Report surfaces an error that happened outside the connection, such as a positioning failure.
func (m *Manager) Report(err error) {
	m.publish(err)
}

func (m *Manager) dial(ctx context.Context, epoch uint64) error {
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		if m.stale(epoch) {
			return errStale
		}
		return apperr.New(apperr.KindTransport, "dial", err)
	}

	m.mu.Lock()
	if epoch != m.epoch || !m.active {
		m.mu.Unlock()
		_ = conn.Close()
		return errStale
	}
	m.gen++
	gen := m.gen
	m.conn = conn
	creds := m.creds
	m.setStateLocked(models.StateAuthenticating)
	m.mu.Unlock()

	go m.readLoop(gen, conn)

	if err := conn.Send(models.EventAuthenticate, creds); err != nil {
		m.connectionLost(gen, false, fmt.Errorf("send authenticate: %w", err))
	}
	return nil
}

func (m *Manager) stale(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return epoch != m.epoch || !m.active
}

func (m *Manager) dialFailed(epoch uint64, err error) {
	m.logger.Warn().Err(err).Msg("dial failed")
	m.publish(err)
	m.scheduleReconnect(epoch)
}

// scheduleReconnect arms the next bounded retry, or ends the session when retries are off or
// exhausted.
func (m *Manager) scheduleReconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || !m.active {
		m.mu.Unlock()
		return
	}
	if !m.cfg.AutoReconnect {
		m.endLocked(nil)
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		err := apperr.New(apperr.KindReconnectExhausted, "reconnect",
			fmt.Errorf("gave up after %d attempts", m.attempts))
		m.endLocked(err)
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("reconnect exhausted")
		return
	}
	m.attempts++
	attempt := m.attempts
	life := m.life
	m.setStateLocked(models.StateReconnecting)
	m.retry = time.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.logger.Info().Int("attempt", attempt).Int("max", m.cfg.MaxReconnectAttempts).Msg("reconnecting")
		if err := m.dial(life, epoch); err != nil && !errors.Is(err, errStale) {
			m.dialFailed(epoch, err)
		}
	})
	m.mu.Unlock()
}

// endLocked stops the session after a terminal condition. err, when set, becomes the last error.
func (m *Manager) endLocked(err error) {
	m.active = false
	if m.cancel != nil {
		m.cancel()
	}
	m.retry = nil
	m.setStateLocked(models.StateDisconnected)
	if err != nil {
		m.lastErr = err
		m.pushErr(err)
	}
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn) {
	for f := range conn.Frames() {
		switch f.Kind {
		case transport.FrameClosed:
			m.connectionLost(gen, f.Graceful, f.Err)
			return
		case transport.FrameMessage:
			if !m.current(gen) {
				continue
			}
			m.handleMessage(gen, f)
		}
	}
	m.connectionLost(gen, false, errors.New("frame stream ended"))
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn != nil
}

func (m *Manager) handleMessage(gen uint64, f transport.Frame) {
	switch f.Event {
	case models.EventAuthenticated:
		var ack models.AuthenticatedPayload
		if err := f.Decode(&ack); err != nil || !ack.OK {
			reason := ack.Error
			if err != nil {
				reason = err.Error()
			}
			m.authFailed(gen, reason)
		} else {
			m.authenticated(gen)
		}
	case models.EventPong:
		m.handlePong(gen, f)
	}
	m.dispatch(f)
}

func (m *Manager) dispatch(f transport.Frame) {
	m.handlersMu.RLock()
	list := append([]handlerEntry(nil), m.handlers[f.Event]...)
	m.handlersMu.RUnlock()
	for _, e := range list {
		e.fn(f)
	}
}

func (m *Manager) authenticated(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != models.StateAuthenticating {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.redialed = false
	m.quality = models.QualityGood
	m.setStateLocked(models.StateConnected)
	m.startHeartbeatLocked(gen, m.conn)
	m.mu.Unlock()
	m.logger.Info().Msg("✅ authenticated")
}

func (m *Manager) authFailed(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.stopHeartbeatLocked()
	err := apperr.New(apperr.KindAuthenticationFailed, "authenticate", errors.New(reason))
	m.epoch++
	m.endLocked(err)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Error().Str("reason", reason).Msg("❌ authentication rejected")
}

// connectionLost detaches the connection of generation gen. A graceful server close gets one
// immediate reconnect that doesn't count against the retry budget.
func (m *Manager) connectionLost(gen uint64, graceful bool, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.stopHeartbeatLocked()
	epoch, life := m.epoch, m.life
	// A server that closes again before we authenticate goes through the normal retry policy.
	graceful = graceful && !m.redialed
	if graceful {
		m.redialed = true
		m.setStateLocked(models.StateReconnecting)
	}
	m.mu.Unlock()

	_ = conn.Close()

	if graceful {
		m.logger.Info().Msg("server closed the connection, reconnecting now")
		go func() {
			if err := m.dial(life, epoch); err != nil && !errors.Is(err, errStale) {
				m.dialFailed(epoch, err)
			}
		}()
		return
	}

	if cause == nil {
		cause = errors.New("connection closed unexpectedly")
	}
	err := apperr.New(apperr.KindTransport, "connection", cause)
	m.logger.Warn().Err(err).Msg("connection lost")
	m.publish(err)
	m.scheduleReconnect(epoch)
}

func (m *Manager) startHeartbeatLocked(gen uint64, conn transport.Conn) {
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.beatStop = stop
	go m.heartbeat(gen, conn, stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.beatStop != nil {
		close(m.beatStop)
		m.beatStop = nil
	}
	for seq := range m.pings {
		delete(m.pings, seq)
	}
}

func (m *Manager) heartbeat(gen uint64, conn transport.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			if gen != m.gen {
				m.mu.Unlock()
				return
			}
			m.pingSeq++
			seq := m.pingSeq
			m.pings[seq] = now
			for s := range m.pings {
				if s+maxOutstandingPings <= seq {
					delete(m.pings, s)
				}
			}
			m.mu.Unlock()

			if err := conn.Send(models.EventPing, models.PingPayload{Seq: seq, SentAtMs: now.UnixMilli()}); err != nil {
				m.logger.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}

// handlePong resolves the ping the pong answers. A pong without a sequence number answers the
// most recent ping.
func (m *Manager) handlePong(gen uint64, f transport.Frame) {
	var p models.PingPayload
	_ = f.Decode(&p)
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	sentAt, ok := m.pings[p.Seq]
	if !ok {
		var latest uint64
		for s := range m.pings {
			if s > latest {
				latest = s
			}
		}
		if latest == 0 {
			return
		}
		p.Seq, sentAt = latest, m.pings[latest]
	}
	for s := range m.pings {
		if s <= p.Seq {
			delete(m.pings, s)
		}
	}

	m.rtt = now.Sub(sentAt)
	m.quality = ClassifyRTT(m.rtt)
	switch {
	case m.quality == models.QualityPoor && m.state == models.StateConnected:
		m.setStateLocked(models.StateDegraded)
	case m.quality != models.QualityPoor && m.state == models.StateDegraded:
		m.setStateLocked(models.StateConnected)
	}
}

func (m *Manager) setStateLocked(next models.ConnectionState) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	if !next.Online() {
		m.quality = models.QualityOffline
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("state")

	m.notify.push(func() {
		m.handlersMu.RLock()
		list := append([]stateEntry(nil), m.listeners...)
		m.handlersMu.RUnlock()
		for _, l := range list {
			l.fn(prev, next)
		}
	})
}

func (m *Manager) publish(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.pushErr(err)
	m.mu.Unlock()
}

func (m *Manager) pushErr(err error) {
	select {
	case m.errs <- err:
	default:
	}
}
