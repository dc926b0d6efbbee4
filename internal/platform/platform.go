// Package platform abstracts the device capabilities the pipeline depends on: the position
// stream, network change notifications and battery introspection. Platforms lacking a
// capability inject the no-op implementation, which disables the related optimization.
package platform

import (
	"context"
	"sync"

	"fleet-realtime/internal/models"
)

// Fix is one item of a position stream: either an update or a positioning error.
type Fix struct {
	Update models.LocationUpdate
	Err    error
}

// PositionSource is the platform's continuous position stream. The returned channel is closed
// when ctx is done or the source stops.
type PositionSource interface {
	Watch(ctx context.Context) (<-chan Fix, error)
}

// NetworkObserver reports connectivity and the effective connection type.
type NetworkObserver interface {
	Network() models.NetworkInfo
	OnNetworkChange(fn func(models.NetworkInfo)) (cancel func())
}

// BatteryObserver reports battery state. ok is false when the platform can't introspect it.
type BatteryObserver interface {
	Battery() (info models.BatteryInfo, ok bool)
	OnBatteryChange(fn func(models.BatteryInfo)) (cancel func())
}

// NoBattery is the BatteryObserver for platforms without battery introspection.
type NoBattery struct{}

func (NoBattery) Battery() (models.BatteryInfo, bool) { return models.BatteryInfo{}, false }

func (NoBattery) OnBatteryChange(func(models.BatteryInfo)) func() { return func() {} }

// StaticNetwork is a settable NetworkObserver. Set notifies subscribers synchronously.
type StaticNetwork struct {
	mu   sync.Mutex
	info models.NetworkInfo
	subs listeners[models.NetworkInfo]
}

// NewStaticNetwork starts online with the given effective type.
func NewStaticNetwork(t models.EffectiveType) *StaticNetwork {
	return &StaticNetwork{info: models.NetworkInfo{IsOnline: true, EffectiveType: t}}
}

func (n *StaticNetwork) Network() models.NetworkInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info
}

func (n *StaticNetwork) Set(info models.NetworkInfo) {
	n.mu.Lock()
	n.info = info
	n.mu.Unlock()
	n.subs.notify(info)
}

func (n *StaticNetwork) OnNetworkChange(fn func(models.NetworkInfo)) func() {
	return n.subs.add(fn)
}

// StaticBattery is a settable BatteryObserver that always reports a known level.
type StaticBattery struct {
	mu   sync.Mutex
	info models.BatteryInfo
	subs listeners[models.BatteryInfo]
}

func NewStaticBattery(level float64, charging bool) *StaticBattery {
	return &StaticBattery{info: models.BatteryInfo{Level: level, Charging: charging}}
}

func (b *StaticBattery) Battery() (models.BatteryInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info, true
}

func (b *StaticBattery) Set(info models.BatteryInfo) {
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()
	b.subs.notify(info)
}

func (b *StaticBattery) OnBatteryChange(fn func(models.BatteryInfo)) func() {
	return b.subs.add(fn)
}

type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) notify(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
