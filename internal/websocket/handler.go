package websocket

import (
	"net/http"

	"fleet-realtime/internal/auth"
	"fleet-realtime/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the relay is a development server.
		return true
	},
}

// HandleWebSocket upgrades HTTP connection to WebSocket. With a JWT secret configured the
// token comes from the token query parameter, or from the Auth middleware context.
func HandleWebSocket(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var claims *auth.Claims
		if hub.cfg.JWTSecret != "" {
			if tokenString := r.URL.Query().Get("token"); tokenString != "" {
				verified, err := auth.Verify(tokenString, hub.cfg.JWTSecret)
				if err != nil {
					hub.logger.Warn().Err(err).Msg("❌ invalid token in query parameter")
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
				claims = verified
			} else if fromCtx, ok := middleware.GetUserFromContext(r); ok {
				claims = &fromCtx
			} else {
				hub.logger.Warn().Msg("❌ no token for websocket connection")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Error().Err(err).Msg("❌ websocket upgrade failed")
			return
		}

		client := newClient(uuid.NewString(), conn, hub, claims)
		if !hub.addClient(client) {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			conn.WriteMessage(websocket.CloseMessage, msg)
			conn.Close()
			return
		}

		// Start pumps in separate goroutines
		go client.WritePump()
		go client.ReadPump()
	}
}
