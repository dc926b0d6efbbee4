// Package smoothing reduces visible jitter in a remote driver's displayed position. It never
// alters the recorded updates, only what is shown. Time is read from update timestamps, so the
// output is deterministic for a given input sequence.
package smoothing

import (
	"time"

	"fleet-realtime/internal/models"
)

const (
	// DefaultGap is the silence after which a new fix is taken as is.
	DefaultGap = 30 * time.Second
	// DefaultWindow bounds the moving-average buffer.
	DefaultWindow = 5
	// DefaultInterpolation is how long the interpolator takes to reach a new fix.
	DefaultInterpolation = 5 * time.Second
)

// Position is a displayed coordinate.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Filter is one entity's smoother. Implementations are not safe for concurrent use.
type Filter interface {
	// Add feeds a new fix and returns the position displayed at its timestamp.
	Add(u models.LocationUpdate) Position
	// Position returns the position displayed at t.
	Position(t time.Time) Position
}

// Factory creates a fresh Filter for a newly seen entity.
type Factory func() Filter

// Law names a smoothing law for configuration.
type Law string

const (
	LawMovingAverage Law = "average"
	LawInterpolate   Law = "interpolate"
)

// NewFactory returns the factory for law, defaulting to the moving average.
func NewFactory(law Law) Factory {
	if law == LawInterpolate {
		return func() Filter { return NewInterpolator(DefaultInterpolation) }
	}
	return func() Filter { return NewMovingAverage(DefaultWindow, DefaultGap) }
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
