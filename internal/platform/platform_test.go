package platform

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoAdapterForwardsFixesAndErrors(t *testing.T) {
	src := NewManualSource(4)
	a := NewGeoAdapter(src, zerolog.Nop())

	var mu sync.Mutex
	var fixes []models.LocationUpdate
	var errs []error
	require.NoError(t, a.Start(context.Background(), func(u models.LocationUpdate) {
		mu.Lock()
		fixes = append(fixes, u)
		mu.Unlock()
	}, func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}))
	assert.True(t, a.Running())

	src.Push(models.LocationUpdate{Latitude: 1, Longitude: 2})
	src.Fail(errors.New("permission denied"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fixes) == 1 && len(errs) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.ErrorIs(t, errs[0], apperr.ErrGeoSource)
	mu.Unlock()

	a.Stop()
	assert.False(t, a.Running())
	// Second stop is harmless.
	a.Stop()
}

func TestGeoAdapterUnavailable(t *testing.T) {
	a := NewGeoAdapter(nil, zerolog.Nop())
	err := a.Start(context.Background(), func(models.LocationUpdate) {}, nil)
	assert.True(t, IsUnavailable(err))
	assert.False(t, a.Running())
}

func TestNoBatteryDisablesIntrospection(t *testing.T) {
	var b BatteryObserver = NoBattery{}
	_, ok := b.Battery()
	assert.False(t, ok)
	b.OnBatteryChange(func(models.BatteryInfo) { t.Fatal("must not fire") })()
}

func TestStaticNetworkNotifies(t *testing.T) {
	n := NewStaticNetwork(models.EffectiveType4G)
	var got []models.NetworkInfo
	cancel := n.OnNetworkChange(func(info models.NetworkInfo) { got = append(got, info) })

	n.Set(models.NetworkInfo{IsOnline: true, EffectiveType: models.EffectiveType2G})
	cancel()
	n.Set(models.NetworkInfo{IsOnline: false, EffectiveType: models.EffectiveTypeUnknown})

	require.Len(t, got, 1)
	assert.Equal(t, models.EffectiveType2G, got[0].EffectiveType)
	assert.False(t, n.Network().IsOnline)
}

func TestRouteSimulatorEmitsAlongRoute(t *testing.T) {
	sim := &RouteSimulator{
		Route:    []Waypoint{{40.7, -73.9}, {40.71, -73.9}},
		Speed:    10,
		Interval: 5 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := sim.Watch(ctx)
	require.NoError(t, err)
	f := <-ch
	require.NoError(t, f.Err)
	assert.InDelta(t, 40.7, f.Update.Latitude, 0.001)
	assert.NotZero(t, f.Update.Timestamp)
	require.NotNil(t, f.Update.Heading)
	assert.InDelta(t, 0, *f.Update.Heading, 0.5)
}
