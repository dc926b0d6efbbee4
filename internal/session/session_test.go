package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/batching"
	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/platform"
	"fleet-realtime/internal/transport/transporttest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	nop := zerolog.Nop()
	conn := connection.DefaultConfig()
	conn.ReconnectInterval = 20 * time.Millisecond
	conn.MaxReconnectAttempts = 50
	conn.HeartbeatInterval = time.Hour
	b := batching.DefaultConfig()
	b.MaxBatchSize = 3
	b.BatchTimeout = time.Hour
	return Config{
		Credentials: models.Credentials{CompanyID: "acme", UserType: "driver", DriverID: "drv-1", UserID: "usr-1"},
		Connection:  conn,
		Batching:    b,
		Logger:      &nop,
	}
}

func fixAt(i int) models.LocationUpdate {
	return models.LocationUpdate{
		Latitude:  40.7 + float64(i)*50/111_195,
		Longitude: -73.9,
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second).UnixMilli(),
	}
}

func batches(d *transporttest.Dialer) [][]models.LocationUpdate {
	var out [][]models.LocationUpdate
	for _, m := range d.Sent(models.EventBatchLocationUpdate) {
		var env models.BatchEnvelope
		if err := m.Decode(&env); err == nil {
			out = append(out, env.Updates)
		}
	}
	return out
}

func waitConnected(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Connection().WaitConnected(ctx))
}

func TestPipelineBatchesFixes(t *testing.T) {
	d := transporttest.NewDialer()
	src := platform.NewManualSource(16)
	s := New(d, Platform{Position: src}, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitConnected(t, s)
	require.True(t, s.WatchingPosition())

	for i := 0; i < 3; i++ {
		require.True(t, src.Push(fixAt(i)))
	}
	require.Eventually(t, func() bool { return len(batches(d)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, batches(d)[0], 3)
	assert.True(t, s.Moving())
	assert.Equal(t, 3, s.Stats().TotalUpdatesSent)

	auth := d.Sent(models.EventAuthenticate)
	require.Len(t, auth, 1)
	var creds models.Credentials
	require.NoError(t, auth[0].Decode(&creds))
	assert.Equal(t, "drv-1", creds.DriverID)
}

func TestOfflineUpdatesReplayedOnReconnect(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetDialErr(errors.New("connection refused"))
	src := platform.NewManualSource(16)
	s := New(d, Platform{Position: src}, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, src.Push(fixAt(i)))
	}
	require.Eventually(t, func() bool { return s.Stats().OfflineUpdates == 5 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, batches(d))

	d.SetDialErr(nil)
	require.Eventually(t, func() bool { return len(batches(d)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, batches(d)[0], 5, "the whole offline queue goes in one batch")
	assert.Equal(t, 0, s.Stats().OfflineUpdates)
	assert.Equal(t, models.StateConnected, s.State())
}

func TestPlatformOfflineRoutesToQueue(t *testing.T) {
	d := transporttest.NewDialer()
	src := platform.NewManualSource(16)
	network := platform.NewStaticNetwork(models.EffectiveType4G)
	s := New(d, Platform{Position: src, Network: network}, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitConnected(t, s)

	network.Set(models.NetworkInfo{IsOnline: false, EffectiveType: models.EffectiveType4G})
	for i := 0; i < 4; i++ {
		require.True(t, src.Push(fixAt(i)))
	}
	require.Eventually(t, func() bool { return s.Stats().OfflineUpdates == 4 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, batches(d))
	assert.Equal(t, models.StateConnected, s.State())

	network.Set(models.NetworkInfo{IsOnline: true, EffectiveType: models.EffectiveType4G})
	require.Eventually(t, func() bool { return len(batches(d)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, batches(d)[0], 4)
	assert.Equal(t, 0, s.Stats().OfflineUpdates)
}

func TestUnavailablePositionSourceKeepsConnection(t *testing.T) {
	d := transporttest.NewDialer()
	s := New(d, Platform{}, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitConnected(t, s)

	assert.ErrorIs(t, s.LastError(), apperr.ErrGeoSourceUnavailable)
	assert.False(t, s.WatchingPosition())
	assert.Equal(t, models.StateConnected, s.State())
	require.NoError(t, s.SendStatus(models.StatusUpdate{}))
}

func TestPositionErrorSurfaced(t *testing.T) {
	d := transporttest.NewDialer()
	src := platform.NewManualSource(4)
	s := New(d, Platform{Position: src}, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitConnected(t, s)

	require.True(t, src.Fail(errors.New("permission denied")))
	select {
	case err := <-s.Errors():
		assert.ErrorIs(t, err, apperr.ErrGeoSource)
	case <-time.After(time.Second):
		t.Fatal("position error not surfaced")
	}
	assert.Equal(t, models.StateConnected, s.State())
	assert.True(t, s.WatchingPosition())
}

func TestStopFlushesAndReleases(t *testing.T) {
	d := transporttest.NewDialer()
	src := platform.NewManualSource(4)
	cfg := testConfig()
	cfg.Batching.MaxBatchSize = 10
	s := New(d, Platform{Position: src}, cfg)
	require.NoError(t, s.Start(context.Background()))
	waitConnected(t, s)

	require.True(t, src.Push(fixAt(0)))
	require.True(t, src.Push(fixAt(1)))
	require.Eventually(t, func() bool { return s.Stats().QueuedUpdates == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	got := batches(d)
	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)
	assert.False(t, s.WatchingPosition())
	assert.Equal(t, models.StateDisconnected, s.State())
	assert.True(t, d.Last().Closed())

	assert.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestStopWhileDisconnectedIsBestEffort(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetDialErr(errors.New("no route to host"))
	src := platform.NewManualSource(4)
	s := New(d, Platform{Position: src}, testConfig())
	require.NoError(t, s.Start(context.Background()))

	require.True(t, src.Push(fixAt(0)))
	require.Eventually(t, func() bool { return s.Stats().OfflineUpdates == 1 }, time.Second, 5*time.Millisecond)

	assert.NoError(t, s.Stop())
	assert.Empty(t, batches(d))
	assert.Equal(t, models.StateDisconnected, s.State())
}

func TestStartWithoutAutoReconnectReturnsDialError(t *testing.T) {
	d := transporttest.NewDialer()
	d.SetDialErr(errors.New("connection refused"))
	cfg := testConfig()
	cfg.Connection.AutoReconnect = false
	s := New(d, Platform{}, cfg)
	defer s.Stop()

	assert.ErrorIs(t, s.Start(context.Background()), apperr.ErrTransport)
}

func TestSendStatus(t *testing.T) {
	d := transporttest.NewDialer()
	s := New(d, Platform{}, testConfig())
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	waitConnected(t, s)

	available := false
	require.NoError(t, s.SendStatus(models.StatusUpdate{IsAvailable: &available}))
	sent := d.Sent(models.EventStatusUpdate)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"isAvailable":false}`, string(sent[0].Data))
}
