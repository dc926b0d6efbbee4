package models

// Wire event names.
const (
	EventAuthenticate        = "authenticate"
	EventAuthenticated       = "authenticated"
	EventPing                = "ping"
	EventPong                = "pong"
	EventLocationUpdate      = "driver:location_update"
	EventBatchLocationUpdate = "driver:batch_location_update"
	EventStatusUpdate        = "driver:status_update"
	EventTrackDriver         = "dispatcher:track_driver"
	EventGetNearbyDrivers    = "dispatcher:get_nearby_drivers"
	EventNearbyDrivers       = "nearby_drivers"
	EventLocationUpdated     = "driver:location_updated"
	EventStatusUpdated       = "driver:status_updated"
	EventDriverOnline        = "driver:online"
	EventDriverOffline       = "driver:offline"
	EventError               = "error"
)

// AuthenticatedPayload is the server's reply to authenticate.
type AuthenticatedPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PingPayload carries the client send time. The pong echoes it back when the server supports it.
type PingPayload struct {
	Seq      uint64 `json:"seq"`
	SentAtMs int64  `json:"sentAt"`
}

type TrackDriverPayload struct {
	DriverID string `json:"driverId" validate:"required"`
}

type NearbyQueryPayload struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Radius    float64 `json:"radius" validate:"gt=0"` // Meters
	RequestID string  `json:"requestId,omitempty"`
}

type NearbyDriversPayload struct {
	Drivers   []RemoteEntityLocation `json:"drivers"`
	RequestID string                 `json:"requestId,omitempty"`
}

// DriverPresencePayload is broadcast with driver:online and driver:offline.
type DriverPresencePayload struct {
	DriverID  string `json:"driverId"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload is sent by the server when it rejects a message.
type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
