// Package dispatcher keeps a dispatcher's live view of the fleet: the latest location and status
// per driver, a smoothed display position, and correlated nearby-driver queries.
package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/smoothing"
	"fleet-realtime/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultQueryTimeout = 10 * time.Second

// Conn is the part of the Connection Manager the store needs.
type Conn interface {
	Send(event string, payload any) error
	On(event string, h connection.Handler) (cancel func())
}

type Config struct {
	QueryTimeout time.Duration
	// Smoothing creates the per-driver filter. Defaults to the moving average.
	Smoothing smoothing.Factory
	Logger    *zerolog.Logger
}

// Entity is one driver as the dispatcher sees it. Location and Status are nil until the first
// corresponding event arrives.
type Entity struct {
	DriverID string                       `json:"driverId"`
	Location *models.RemoteEntityLocation `json:"location,omitempty"`
	Status   *models.RemoteEntityStatus   `json:"status,omitempty"`
	Display  *smoothing.Position          `json:"display,omitempty"`
}

type entry struct {
	Entity
	filter smoothing.Filter
}

// Store is the dispatcher view. Inbound events update it synchronously on the connection's
// read goroutine.
type Store struct {
	conn    Conn
	cfg     Config
	logger  zerolog.Logger
	cancels []func()

	mu        sync.RWMutex
	entities  map[string]*entry
	listeners map[int]func(Entity)
	nextID    int

	pendingMu sync.Mutex
	pending   map[string]chan models.NearbyDriversPayload
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a store fed by conn. Handlers are registered immediately and stay registered
// across reconnects until Close.
func New(conn Conn, cfg Config) *Store {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.Smoothing == nil {
		cfg.Smoothing = smoothing.NewFactory(smoothing.LawMovingAverage)
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Store{
		conn:      conn,
		cfg:       cfg,
		logger:    logger.With().Str("module", "dispatcher").Logger(),
		entities:  make(map[string]*entry),
		listeners: make(map[int]func(Entity)),
		pending:   make(map[string]chan models.NearbyDriversPayload),
		done:      make(chan struct{}),
	}
	s.cancels = []func(){
		onJSON(s, models.EventLocationUpdated, s.applyLocation),
		onJSON(s, models.EventStatusUpdated, s.applyStatus),
		onJSON(s, models.EventDriverOnline, func(p models.DriverPresencePayload) { s.applyPresence(p, true) }),
		onJSON(s, models.EventDriverOffline, func(p models.DriverPresencePayload) { s.applyPresence(p, false) }),
		onJSON(s, models.EventNearbyDrivers, s.resolveNearby),
	}
	return s
}

func onJSON[T any](s *Store, event string, fn func(T)) func() {
	return s.conn.On(event, func(f transport.Frame) {
		var v T
		if err := f.Decode(&v); err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("invalid payload")
			return
		}
		fn(v)
	})
}

// Close removes the store's handlers and fails queries still waiting for a reply.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		for _, cancel := range s.cancels {
			cancel()
		}
		close(s.done)
	})
}

// TrackDriver asks the server to stream driverID's updates to this dispatcher.
func (s *Store) TrackDriver(driverID string) error {
	return s.conn.Send(models.EventTrackDriver, models.TrackDriverPayload{DriverID: driverID})
}

// OnChange registers fn for every entity change. fn runs on the connection's read goroutine.
func (s *Store) OnChange(fn func(Entity)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Get returns a copy of driverID's entity.
func (s *Store) Get(driverID string) (Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[driverID]
	if !ok {
		return Entity{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns a copy of every entity ordered by driver id.
func (s *Store) Snapshot() []Entity {
	s.mu.RLock()
	out := make([]Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// Remove forgets driverID.
func (s *Store) Remove(driverID string) {
	s.mu.Lock()
	delete(s.entities, driverID)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

func (e *entry) snapshot() Entity {
	out := Entity{DriverID: e.DriverID}
	if e.Location != nil {
		loc := *e.Location
		out.Location = &loc
	}
	if e.Status != nil {
		st := *e.Status
		out.Status = &st
	}
	if e.Display != nil {
		d := *e.Display
		out.Display = &d
	}
	return out
}

// entryLocked returns driverID's entry, creating it on first sight.
func (s *Store) entryLocked(driverID string) *entry {
	e, ok := s.entities[driverID]
	if !ok {
		e = &entry{Entity: Entity{DriverID: driverID}, filter: s.cfg.Smoothing()}
		s.entities[driverID] = e
	}
	return e
}

func (s *Store) applyLocation(loc models.RemoteEntityLocation) {
	if loc.DriverID == "" {
		return
	}
	s.mu.Lock()
	e := s.entryLocked(loc.DriverID)
	e.Location = &loc
	pos := e.filter.Add(loc.Update())
	e.Display = &pos
	snap := e.snapshot()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Store) applyStatus(st models.RemoteEntityStatus) {
	if st.DriverID == "" {
		return
	}
	s.mu.Lock()
	e := s.entryLocked(st.DriverID)
	e.Status = &st
	snap := e.snapshot()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Store) applyPresence(p models.DriverPresencePayload, online bool) {
	if p.DriverID == "" {
		return
	}
	s.mu.Lock()
	e := s.entryLocked(p.DriverID)
	st := models.RemoteEntityStatus{DriverID: p.DriverID, IsAvailable: true}
	if e.Status != nil {
		st = *e.Status
	}
	st.IsOnline = online
	st.Timestamp = p.Timestamp
	e.Status = &st
	if e.Location != nil {
		loc := *e.Location
		loc.Connected = online
		e.Location = &loc
	}
	snap := e.snapshot()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Store) notify(snap Entity) {
	s.mu.RLock()
	fns := make([]func(Entity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// NearbyDrivers asks the server for drivers within radius meters of (lat, lng). It fails with
// RequestTimeout when no reply arrives within QueryTimeout, and with QueryInFlight while
// another nearby query is still pending.
func (s *Store) NearbyDrivers(ctx context.Context, lat, lng, radius float64) ([]models.RemoteEntityLocation, error) {
	id := uuid.NewString()
	reply := make(chan models.NearbyDriversPayload, 1)

	s.pendingMu.Lock()
	if len(s.pending) > 0 {
		s.pendingMu.Unlock()
		return nil, apperr.New(apperr.KindQueryInFlight, "nearby drivers", nil)
	}
	s.pending[id] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	timer := time.NewTimer(s.cfg.QueryTimeout)
	defer timer.Stop()

	q := models.NearbyQueryPayload{Latitude: lat, Longitude: lng, Radius: radius, RequestID: id}
	if err := s.conn.Send(models.EventGetNearbyDrivers, q); err != nil {
		return nil, err
	}

	select {
	case p := <-reply:
		return p.Drivers, nil
	case <-timer.C:
		s.logger.Warn().Str("request_id", id).Dur("timeout", s.cfg.QueryTimeout).Msg("nearby query timed out")
		return nil, apperr.New(apperr.KindRequestTimeout, "nearby drivers", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, apperr.New(apperr.KindNotConnected, "nearby drivers", nil)
	}
}

// Pending returns the number of nearby queries waiting for a reply.
func (s *Store) Pending() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// resolveNearby hands a reply to its query. A reply without a request id answers the only
// pending query.
func (s *Store) resolveNearby(p models.NearbyDriversPayload) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	id := p.RequestID
	if id == "" && len(s.pending) == 1 {
		for pid := range s.pending {
			id = pid
		}
	}
	ch, ok := s.pending[id]
	if !ok {
		s.logger.Debug().Str("request_id", p.RequestID).Msg("unmatched nearby reply")
		return
	}
	delete(s.pending, id)
	ch <- p
}
