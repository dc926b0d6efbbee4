package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"fleet-realtime/internal/auth"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	roleDriver     = "driver"
	roleDispatcher = "dispatcher"

	storeTimeout = 5 * time.Second
)

// Client is one relay connection. It carries no identity until authenticate succeeds.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	logger zerolog.Logger

	// token claims from the upgrade request, nil when the hub runs without a secret
	claims *auth.Claims

	// send and sendClosed are guarded by hub.mu.
	send       chan []byte
	sendClosed bool

	mu       sync.Mutex
	creds    models.Credentials
	authed   bool
	tracking map[string]bool
}

func newClient(id string, conn *websocket.Conn, hub *Hub, claims *auth.Claims) *Client {
	return &Client{
		ID:       id,
		conn:     conn,
		hub:      hub,
		logger:   hub.logger.With().Str("conn_id", id).Logger(),
		claims:   claims,
		send:     make(chan []byte, sendBuffer),
		tracking: make(map[string]bool),
	}
}

func (c *Client) enqueueLocked(body []byte) bool {
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- body:
		return true
	default:
		c.logger.Warn().Msg("⚠️ client buffer full, dropping message")
		return false
	}
}

func (c *Client) closeSendLocked() {
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) identity() (models.Credentials, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds, c.authed
}

// follows reports whether c is a dispatcher that should see events about driverID.
func (c *Client) follows(companyID, driverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed || c.creds.UserType != roleDispatcher || c.creds.CompanyID != companyID {
		return false
	}
	return len(c.tracking) == 0 || c.tracking[driverID]
}

// Tracking returns the drivers c has asked to follow.
func (c *Client) Tracking() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tracking))
	for id := range c.tracking {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		f, err := transport.DecodeEnvelope(message)
		if err != nil {
			c.logger.Warn().Err(err).Msg("invalid message format")
			c.hub.reply(c, models.EventError, models.ErrorPayload{Message: "invalid message format"})
			continue
		}
		c.handle(f)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down")
				c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(f transport.Frame) {
	switch f.Event {
	case models.EventPing:
		// Echo the ping payload so the client can match the pong to its ping.
		c.hub.reply(c, models.EventPong, f.Data)
		return
	case models.EventAuthenticate:
		c.handleAuthenticate(f)
		return
	}

	creds, ok := c.identity()
	if !ok {
		c.fail(f.Event, "not authenticated")
		return
	}

	switch f.Event {
	case models.EventLocationUpdate:
		var u models.LocationUpdate
		if !c.decode(f, &u, roleDriver, creds) {
			return
		}
		c.publishLocations(creds, []models.LocationUpdate{u})

	case models.EventBatchLocationUpdate:
		var env models.BatchEnvelope
		if !c.decode(f, &env, roleDriver, creds) {
			return
		}
		updates := append([]models.LocationUpdate(nil), env.Updates...)
		sort.SliceStable(updates, func(i, j int) bool { return updates[i].Timestamp < updates[j].Timestamp })
		c.publishLocations(creds, updates)

	case models.EventStatusUpdate:
		var st models.StatusUpdate
		if !c.decode(f, &st, roleDriver, creds) {
			return
		}
		c.publishStatus(creds, st.WithDefaults(creds.DriverID, nowMillis()))

	case models.EventTrackDriver:
		var p models.TrackDriverPayload
		if !c.decode(f, &p, roleDispatcher, creds) {
			return
		}
		c.mu.Lock()
		c.tracking[p.DriverID] = true
		c.mu.Unlock()
		c.logger.Debug().Str("driver_id", p.DriverID).Msg("tracking driver")

	case models.EventGetNearbyDrivers:
		var q models.NearbyQueryPayload
		if !c.decode(f, &q, roleDispatcher, creds) {
			return
		}
		c.answerNearby(q)

	default:
		c.fail(f.Event, "unknown event")
	}
}

// decode unmarshals and validates the payload and checks that the sender has role.
func (c *Client) decode(f transport.Frame, v any, role string, creds models.Credentials) bool {
	if creds.UserType != role {
		c.fail(f.Event, "not allowed for "+creds.UserType)
		return false
	}
	if err := f.Decode(v); err != nil {
		c.fail(f.Event, "invalid payload")
		return false
	}
	if err := c.hub.validate.Struct(v); err != nil {
		c.fail(f.Event, err.Error())
		return false
	}
	return true
}

func (c *Client) fail(event, message string) {
	c.logger.Debug().Str("event", event).Str("reason", message).Msg("message rejected")
	c.hub.reply(c, models.EventError, models.ErrorPayload{Event: event, Message: message})
}

func (c *Client) handleAuthenticate(f transport.Frame) {
	var creds models.Credentials
	if err := f.Decode(&creds); err != nil {
		c.hub.reply(c, models.EventAuthenticated, models.AuthenticatedPayload{Error: "invalid payload"})
		return
	}
	if err := c.hub.validate.Struct(creds); err != nil {
		c.hub.reply(c, models.EventAuthenticated, models.AuthenticatedPayload{Error: err.Error()})
		return
	}
	if reason := c.checkClaims(creds); reason != "" {
		c.logger.Warn().Str("user_id", creds.UserID).Str("reason", reason).Msg("❌ authentication refused")
		c.hub.reply(c, models.EventAuthenticated, models.AuthenticatedPayload{Error: reason})
		return
	}

	c.mu.Lock()
	first := !c.authed
	c.creds = creds
	c.authed = true
	c.mu.Unlock()

	c.hub.reply(c, models.EventAuthenticated, models.AuthenticatedPayload{OK: true})
	c.logger.Info().Str("user_id", creds.UserID).Str("user_type", creds.UserType).Msg("✅ authenticated")

	if creds.UserType == roleDriver && first {
		c.hub.attachDriver(c, creds.DriverID)
		c.hub.broadcast(creds.CompanyID, creds.DriverID, models.EventDriverOnline,
			models.DriverPresencePayload{DriverID: creds.DriverID, Timestamp: nowMillis()})
	}
}

// checkClaims matches the authenticate message against the verified token.
func (c *Client) checkClaims(creds models.Credentials) string {
	if c.claims == nil {
		return ""
	}
	switch {
	case c.claims.UserID != creds.UserID:
		return "user id does not match token"
	case c.claims.CompanyID != "" && c.claims.CompanyID != creds.CompanyID:
		return "company id does not match token"
	case c.claims.DriverID != "" && c.claims.DriverID != creds.DriverID:
		return "driver id does not match token"
	}
	return ""
}

func (c *Client) publishLocations(creds models.Credentials, updates []models.LocationUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	for _, u := range updates {
		loc := models.RemoteEntityLocation{
			DriverID:  creds.DriverID,
			Latitude:  u.Latitude,
			Longitude: u.Longitude,
			Accuracy:  u.Accuracy,
			Speed:     u.Speed,
			Heading:   u.Heading,
			Timestamp: u.Timestamp,
			Connected: true,
		}
		updatedAt, err := c.hub.store.UpsertLocation(ctx, loc)
		if err != nil {
			c.logger.Error().Err(err).Str("driver_id", creds.DriverID).Msg("❌ error saving location")
		}
		loc.UpdatedAt = updatedAt
		c.hub.broadcast(creds.CompanyID, creds.DriverID, models.EventLocationUpdated, loc)
	}
	c.logger.Debug().Str("driver_id", creds.DriverID).Int("updates", len(updates)).Msg("📍 location received")
}

func (c *Client) publishStatus(creds models.Credentials, st models.RemoteEntityStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.hub.store.SaveStatus(ctx, st); err != nil {
		c.logger.Error().Err(err).Str("driver_id", creds.DriverID).Msg("❌ error saving status")
	}
	c.hub.broadcast(creds.CompanyID, creds.DriverID, models.EventStatusUpdated, st)
}

func (c *Client) answerNearby(q models.NearbyQueryPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	drivers, err := c.hub.store.Nearby(ctx, q.Latitude, q.Longitude, q.Radius)
	if err != nil {
		c.logger.Error().Err(err).Msg("❌ nearby query failed")
		c.fail(models.EventGetNearbyDrivers, "nearby query failed")
		return
	}
	c.hub.reply(c, models.EventNearbyDrivers, models.NearbyDriversPayload{Drivers: drivers, RequestID: q.RequestID})
}
