package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/database"
	"fleet-realtime/internal/dispatcher"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/transport/transporttest"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePresence struct{ drivers []string }

func (f fakePresence) ClientCount() int           { return len(f.drivers) + 1 }
func (f fakePresence) ConnectedDrivers() []string { return f.drivers }

func seededStore(t *testing.T) *database.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := database.NewMemoryStore()
	for _, l := range []models.RemoteEntityLocation{
		{DriverID: "drv-1", Latitude: 40.7, Longitude: -73.9, Timestamp: 1},
		{DriverID: "drv-2", Latitude: 41.7, Longitude: -73.9, Timestamp: 2},
	} {
		_, err := s.UpsertLocation(ctx, l)
		require.NoError(t, err)
	}
	require.NoError(t, s.SaveStatus(ctx, models.RemoteEntityStatus{DriverID: "drv-1", IsOnline: true, Status: "active"}))
	return s
}

func relayRouter(store database.Store, p Presence) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", Health(p))
	r.Get("/api/drivers", GetDrivers(store, p))
	r.Get("/api/drivers/nearby", GetNearbyDrivers(store))
	r.Get("/api/drivers/{id}", GetDriver(store, p))
	return r
}

func get(t *testing.T, h http.Handler, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	h := relayRouter(database.NewMemoryStore(), fakePresence{drivers: []string{"drv-1"}})
	var body map[string]interface{}
	require.Equal(t, http.StatusOK, get(t, h, "/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 2.0, body["clients"])
	assert.Equal(t, 1.0, body["drivers"])
}

func TestGetDrivers(t *testing.T) {
	h := relayRouter(seededStore(t), fakePresence{drivers: []string{"drv-1"}})

	var drivers []DriverResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/drivers", &drivers))
	require.Len(t, drivers, 2)
	assert.Equal(t, "drv-1", drivers[0].DriverID)
	assert.True(t, drivers[0].Online)
	require.NotNil(t, drivers[0].Status)
	assert.Equal(t, "active", drivers[0].Status.Status)
	assert.False(t, drivers[1].Online)
	assert.Nil(t, drivers[1].Status)

	var one DriverResponse
	require.Equal(t, http.StatusOK, get(t, h, "/api/drivers/drv-2", &one))
	assert.Equal(t, 41.7, one.Location.Latitude)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/drivers/nobody", nil))
}

func TestGetNearbyDrivers(t *testing.T) {
	h := relayRouter(seededStore(t), fakePresence{})

	var resp models.NearbyDriversPayload
	require.Equal(t, http.StatusOK, get(t, h, "/api/drivers/nearby?lat=40.7&lng=-73.9&radius=1000", &resp))
	require.Len(t, resp.Drivers, 1)
	assert.Equal(t, "drv-1", resp.Drivers[0].DriverID)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/drivers/nearby?lat=40.7", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/drivers/nearby?lat=95&lng=0&radius=10", nil))
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/drivers/nearby?lat=0&lng=0&radius=0", nil))
}

type fakePipeline struct {
	flushErr error
	flushed  int
}

func (f *fakePipeline) Stats() models.QueueStats      { return models.QueueStats{QueuedUpdates: 4} }
func (f *fakePipeline) State() models.ConnectionState { return models.StateDegraded }
func (f *fakePipeline) Quality() models.Quality       { return models.QualityPoor }
func (f *fakePipeline) RTT() time.Duration            { return 600 * time.Millisecond }
func (f *fakePipeline) Moving() bool                  { return true }
func (f *fakePipeline) LastError() error              { return errors.New("dial: refused") }
func (f *fakePipeline) Flush() error {
	f.flushed++
	return f.flushErr
}

func TestGetStats(t *testing.T) {
	var resp StatsResponse
	require.Equal(t, http.StatusOK, get(t, GetStats(&fakePipeline{}), "/stats", &resp))
	assert.Equal(t, "degraded", resp.State)
	assert.Equal(t, models.QualityPoor, resp.Quality)
	assert.Equal(t, int64(600), resp.RTTMs)
	assert.Equal(t, 4, resp.Queue.QueuedUpdates)
	assert.True(t, resp.Moving)
	assert.Equal(t, "dial: refused", resp.LastError)
}

func TestFlushMapsErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"not connected", apperr.New(apperr.KindNotConnected, "send", nil), http.StatusServiceUnavailable},
		{"timeout", apperr.New(apperr.KindRequestTimeout, "nearby", nil), http.StatusGatewayTimeout},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{flushErr: tt.err}
			rec := httptest.NewRecorder()
			Flush(p).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flush", nil))
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, 1, p.flushed)
		})
	}
}

func TestDispatcherView(t *testing.T) {
	nop := zerolog.Nop()
	d := transporttest.NewDialer()
	connCfg := connection.DefaultConfig()
	connCfg.Logger = &nop
	m := connection.New(d, connCfg)
	view := dispatcher.New(m, dispatcher.Config{Logger: &nop, QueryTimeout: time.Second})
	t.Cleanup(func() {
		view.Close()
		m.Disconnect()
	})
	creds := models.Credentials{CompanyID: "acme", UserType: "dispatcher", UserID: "disp-1"}
	require.NoError(t, m.Connect(context.Background(), creds))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))

	d.OnSend(func(c *transporttest.Conn, msg transporttest.Message) {
		var q models.NearbyQueryPayload
		if msg.Event != models.EventGetNearbyDrivers || msg.Decode(&q) != nil {
			return
		}
		c.Deliver(models.EventNearbyDrivers, models.NearbyDriversPayload{
			RequestID: q.RequestID,
			Drivers:   []models.RemoteEntityLocation{{DriverID: "drv-1", Latitude: q.Latitude, Longitude: q.Longitude}},
		})
	})
	d.Last().Deliver(models.EventLocationUpdated, models.RemoteEntityLocation{DriverID: "drv-1", Latitude: 40.7, Longitude: -73.9, Timestamp: 1})
	require.Eventually(t, func() bool { return view.Len() == 1 }, time.Second, 5*time.Millisecond)

	r := chi.NewRouter()
	r.Get("/entities", GetEntities(view))
	r.Get("/entities/{id}", GetEntity(view))
	r.Get("/nearby", QueryNearby(view))

	var entities []dispatcher.Entity
	require.Equal(t, http.StatusOK, get(t, r, "/entities", &entities))
	require.Len(t, entities, 1)
	assert.Equal(t, "drv-1", entities[0].DriverID)

	var e dispatcher.Entity
	require.Equal(t, http.StatusOK, get(t, r, "/entities/drv-1", &e))
	require.NotNil(t, e.Display)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/entities/drv-2", nil))

	var resp models.NearbyDriversPayload
	require.Equal(t, http.StatusOK, get(t, r, "/nearby?lat=40.7&lng=-73.9&radius=500", &resp))
	require.Len(t, resp.Drivers, 1)
	assert.Equal(t, 40.7, resp.Drivers[0].Latitude)
	assert.Equal(t, http.StatusBadRequest, get(t, r, "/nearby?lat=x", nil))

	m.Disconnect()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/nearby?lat=1&lng=1&radius=10", nil))
}
