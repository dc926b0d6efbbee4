package smoothing

import (
	"time"

	"fleet-realtime/internal/models"
)

// MovingAverage displays the mean of the last few fixes inside a trailing window. A fix that
// arrives after a long gap resets the buffer, since the vehicle may have jumped.
type MovingAverage struct {
	size int
	gap  time.Duration
	buf  []models.LocationUpdate
}

func NewMovingAverage(size int, gap time.Duration) *MovingAverage {
	if size <= 0 {
		size = DefaultWindow
	}
	if gap <= 0 {
		gap = DefaultGap
	}
	return &MovingAverage{size: size, gap: gap, buf: make([]models.LocationUpdate, 0, size)}
}

func (m *MovingAverage) Add(u models.LocationUpdate) Position {
	if n := len(m.buf); n > 0 && u.Time().Sub(m.buf[n-1].Time()) > m.gap {
		m.buf = m.buf[:0]
	}
	m.buf = append(m.buf, u)

	cutoff := u.Time().Add(-m.gap)
	keep := 0
	for keep < len(m.buf)-1 && m.buf[keep].Time().Before(cutoff) {
		keep++
	}
	if over := len(m.buf) - keep - m.size; over > 0 {
		keep += over
	}
	if keep > 0 {
		m.buf = append(m.buf[:0], m.buf[keep:]...)
	}
	return m.mean()
}

// Position ignores t: the average only moves when a fix arrives.
func (m *MovingAverage) Position(time.Time) Position {
	return m.mean()
}

// Len returns how many fixes feed the average.
func (m *MovingAverage) Len() int {
	return len(m.buf)
}

func (m *MovingAverage) mean() Position {
	if len(m.buf) == 0 {
		return Position{}
	}
	var p Position
	for _, u := range m.buf {
		p.Latitude += u.Latitude
		p.Longitude += u.Longitude
	}
	n := float64(len(m.buf))
	p.Latitude /= n
	p.Longitude /= n
	return p
}
