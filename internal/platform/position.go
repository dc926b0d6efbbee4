package platform

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/geo"
	"fleet-realtime/internal/models"
)

// NoPosition is the PositionSource for platforms without geolocation.
type NoPosition struct{}

func (NoPosition) Watch(context.Context) (<-chan Fix, error) {
	return nil, apperr.New(apperr.KindGeoSourceUnavailable, "watch", errors.New("geolocation is not supported"))
}

// ManualSource is a PositionSource fed by Push and Fail. Used by tests and replay tools.
type ManualSource struct {
	mu     sync.Mutex
	ch     chan Fix
	closed bool
}

func NewManualSource(buffer int) *ManualSource {
	return &ManualSource{ch: make(chan Fix, buffer)}
}

func (m *ManualSource) Watch(ctx context.Context) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-m.ch:
				if !ok {
					return
				}
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Push queues a fix, blocking while the buffer is full. It reports false once the source is closed.
func (m *ManualSource) Push(u models.LocationUpdate) bool {
	return m.send(Fix{Update: u})
}

// Fail queues a positioning error.
func (m *ManualSource) Fail(err error) bool {
	return m.send(Fix{Err: err})
}

func (m *ManualSource) send(f Fix) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.ch <- f
	return true
}

// Close ends every stream started with Watch.
func (m *ManualSource) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.ch)
	}
}

// Waypoint is one point of a simulated route.
type Waypoint struct {
	Latitude  float64
	Longitude float64
}

// RouteSimulator plays a route back at a constant speed, emitting one fix per interval.
// The route loops when it reaches the end.
type RouteSimulator struct {
	Route    []Waypoint
	Speed    float64 // m/s
	Interval time.Duration
	Accuracy float64
}

func (r *RouteSimulator) Watch(ctx context.Context) (<-chan Fix, error) {
	if len(r.Route) < 2 {
		return nil, apperr.New(apperr.KindGeoSourceUnavailable, "watch", errors.New("route needs at least two waypoints"))
	}
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Fix)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		leg, traveled := 0, 0.0
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				from, to := r.Route[leg], r.Route[(leg+1)%len(r.Route)]
				legLen := geo.Haversine(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
				traveled += r.Speed * interval.Seconds()
				for legLen > 0 && traveled > legLen {
					traveled -= legLen
					leg = (leg + 1) % len(r.Route)
					from, to = r.Route[leg], r.Route[(leg+1)%len(r.Route)]
					legLen = geo.Haversine(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
				}
				frac := 0.0
				if legLen > 0 {
					frac = traveled / legLen
				}
				u := models.LocationUpdate{
					Latitude:  from.Latitude + (to.Latitude-from.Latitude)*frac,
					Longitude: from.Longitude + (to.Longitude-from.Longitude)*frac,
					Speed:     models.Float(r.Speed),
					Heading:   models.Float(bearing(from, to)),
					Timestamp: now.UnixMilli(),
				}
				if r.Accuracy > 0 {
					u.Accuracy = models.Float(r.Accuracy)
				}
				select {
				case out <- Fix{Update: u}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func bearing(from, to Waypoint) float64 {
	lat1 := from.Latitude * math.Pi / 180
	lat2 := to.Latitude * math.Pi / 180
	dLng := (to.Longitude - from.Longitude) * math.Pi / 180
	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
