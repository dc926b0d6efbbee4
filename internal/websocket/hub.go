// Package websocket carries the wire protocol over gorilla/websocket: Dialer is the client
// transport under the Connection Manager, Hub is the relay that drivers and dispatchers meet on.
package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-realtime/internal/database"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/transport"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type HubConfig struct {
	// JWTSecret enables token verification on upgrade. Empty accepts any client (development).
	JWTSecret string
	Store     database.Store
	Logger    *zerolog.Logger
}

// Hub maintains the relay's connections and routes driver events to dispatchers.
type Hub struct {
	cfg      HubConfig
	store    database.Store
	validate *validator.Validate
	logger   zerolog.Logger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	// Guards the maps and every write to a client's send channel.
	mu      sync.RWMutex
	stopped bool
	clients map[string]*Client
	drivers map[string]*Client // driverID -> driver connection
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Store == nil {
		cfg.Store = database.NewMemoryStore()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Hub{
		cfg:        cfg,
		store:      cfg.Store,
		validate:   validator.New(),
		logger:     logger.With().Str("module", "hub").Logger(),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		drivers:    make(map[string]*Client),
	}
}

// Run starts the hub's main loop. It returns when ctx is done or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.stopped {
				client.closeSendLocked()
				h.mu.Unlock()
				continue
			}
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("conn_id", client.ID).Int("clients", total).Msg("✅ client connected")

		case client := <-h.unregister:
			h.drop(client)
		}
	}
}

// Shutdown closes every client with a normal close frame. Clients treat it as a graceful server
// disconnect.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		h.stopped = true
		for id, c := range h.clients {
			c.closeSendLocked()
			delete(h.clients, id)
		}
		h.drivers = make(map[string]*Client)
		h.mu.Unlock()
		h.logger.Info().Msg("hub shut down")
	})
}

func (h *Hub) addClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) removeClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// drop forgets c. A driver that was still the current connection for its id goes offline.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	c.closeSendLocked()
	creds, authed := c.identity()
	wasCurrent := authed && creds.UserType == roleDriver && h.drivers[creds.DriverID] == c
	if wasCurrent {
		delete(h.drivers, creds.DriverID)
	}
	remaining := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Str("conn_id", c.ID).Int("clients", remaining).Msg("🔴 client disconnected")
	if !wasCurrent {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.MarkDisconnected(ctx, creds.DriverID); err != nil {
		h.logger.Error().Err(err).Str("driver_id", creds.DriverID).Msg("❌ error marking driver as disconnected")
	}
	h.broadcast(creds.CompanyID, creds.DriverID, models.EventDriverOffline,
		models.DriverPresencePayload{DriverID: creds.DriverID, Timestamp: nowMillis()})
}

// attachDriver makes c the current connection for its driver id.
func (h *Hub) attachDriver(c *Client, driverID string) {
	h.mu.Lock()
	h.drivers[driverID] = c
	h.mu.Unlock()
}

// reply queues one event for c.
func (h *Hub) reply(c *Client, event string, payload any) {
	body, err := transport.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("❌ failed to marshal message")
		return
	}
	h.mu.RLock()
	c.enqueueLocked(body)
	h.mu.RUnlock()
}

// broadcast sends event about driverID to the company's dispatchers that track it, or track
// nobody in particular.
func (h *Hub) broadcast(companyID, driverID, event string, payload any) int {
	body, err := transport.Encode(event, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("❌ failed to marshal broadcast message")
		return 0
	}

	sent := 0
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.follows(companyID, driverID) {
			continue
		}
		if c.enqueueLocked(body) {
			sent++
		}
	}
	return sent
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectedDrivers returns the ids of drivers with a live connection.
func (h *Hub) ConnectedDrivers() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.drivers))
	for id := range h.drivers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// IsDriverConnected checks if a driver currently has a live connection.
func (h *Hub) IsDriverConnected(driverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.drivers[driverID]
	return ok
}

// Store returns the hub's location store.
func (h *Hub) Store() database.Store {
	return h.store
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
