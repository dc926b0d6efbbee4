package models

import "time"

// LocationUpdate is one position fix as it travels through the pipeline and over the wire.
// Optional readings are nil when the positioning source did not report them.
type LocationUpdate struct {
	Latitude  float64  `json:"latitude" db:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64  `json:"longitude" db:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  *float64 `json:"accuracy,omitempty" db:"accuracy"` // GPS accuracy in meters
	Speed     *float64 `json:"speed,omitempty" db:"speed"`       // Speed in m/s
	Heading   *float64 `json:"heading,omitempty" db:"heading"`   // Direction of travel (0-360 degrees)
	Altitude  *float64 `json:"altitude,omitempty" db:"altitude"` // Meters above sea level
	Timestamp int64    `json:"timestamp" db:"timestamp"`         // Capture time, Unix milliseconds
}

// Time returns the capture time of the update.
func (u LocationUpdate) Time() time.Time {
	return time.UnixMilli(u.Timestamp)
}

// Stamped returns a copy of u with Timestamp set to now when it is missing.
func (u LocationUpdate) Stamped(now time.Time) LocationUpdate {
	if u.Timestamp == 0 {
		u.Timestamp = now.UnixMilli()
	}
	return u
}

// Clone returns a deep copy so a queued update can't be mutated through shared pointers.
func (u LocationUpdate) Clone() LocationUpdate {
	u.Accuracy = cloneFloat(u.Accuracy)
	u.Speed = cloneFloat(u.Speed)
	u.Heading = cloneFloat(u.Heading)
	u.Altitude = cloneFloat(u.Altitude)
	return u
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v, for filling optional readings.
func Float(v float64) *float64 {
	return &v
}

// BatchEnvelope is the payload of driver:batch_location_update.
type BatchEnvelope struct {
	Updates []LocationUpdate `json:"updates" validate:"required,min=1,dive"`
}

// RemoteEntityLocation is the last known location of a driver as seen by a dispatcher.
type RemoteEntityLocation struct {
	DriverID  string   `json:"driverId" db:"driver_id"`
	Latitude  float64  `json:"latitude" db:"latitude"`
	Longitude float64  `json:"longitude" db:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty" db:"accuracy"`
	Speed     *float64 `json:"speed,omitempty" db:"speed"`
	Heading   *float64 `json:"heading,omitempty" db:"heading"`
	Timestamp int64    `json:"timestamp" db:"timestamp"`                   // Client-side capture time
	UpdatedAt int64    `json:"updatedAt,omitempty" db:"updated_at"`        // Server-side receive time
	Distance  *float64 `json:"distance,omitempty" db:"-"`                  // Meters from a nearby query origin
	Connected bool     `json:"isConnected,omitempty" db:"is_connected"`
}

// Update converts the remote location back into a pipeline update.
func (l RemoteEntityLocation) Update() LocationUpdate {
	return LocationUpdate{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Accuracy:  l.Accuracy,
		Speed:     l.Speed,
		Heading:   l.Heading,
		Timestamp: l.Timestamp,
	}
}
