package smoothing

import (
	"time"

	"fleet-realtime/internal/models"
)

// Interpolator glides from the previously displayed position toward each new fix with
// alpha = min(elapsed/window, 1), where elapsed runs from the previous fix.
type Interpolator struct {
	window time.Duration
	from   Position
	to     Position
	start  time.Time // Previous fix, where the current segment starts
	last   time.Time // Latest fix
	seen   bool
}

func NewInterpolator(window time.Duration) *Interpolator {
	if window <= 0 {
		window = DefaultInterpolation
	}
	return &Interpolator{window: window}
}

func (i *Interpolator) Add(u models.LocationUpdate) Position {
	at := u.Time()
	target := Position{Latitude: u.Latitude, Longitude: u.Longitude}
	if !i.seen {
		i.from, i.to = target, target
		i.start, i.last = at, at
		i.seen = true
		return target
	}
	i.from = i.Position(at)
	i.to = target
	i.start, i.last = i.last, at
	return i.Position(at)
}

func (i *Interpolator) Position(t time.Time) Position {
	if !i.seen {
		return Position{}
	}
	alpha := float64(t.Sub(i.start)) / float64(i.window)
	if alpha >= 1 {
		return i.to
	}
	if alpha < 0 {
		alpha = 0
	}
	return Position{
		Latitude:  lerp(i.from.Latitude, i.to.Latitude, alpha),
		Longitude: lerp(i.from.Longitude, i.to.Longitude, alpha),
	}
}
