package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleet-realtime/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	stats   models.QueueStats
	state   models.ConnectionState
	quality models.Quality
	rtt     time.Duration
}

func (f *fakeSource) Stats() models.QueueStats      { return f.stats }
func (f *fakeSource) State() models.ConnectionState { return f.state }
func (f *fakeSource) Quality() models.Quality       { return f.quality }
func (f *fakeSource) RTT() time.Duration            { return f.rtt }

type fakeRelay struct{ clients, drivers int }

func (f fakeRelay) ClientCount() int { return f.clients }
func (f fakeRelay) ConnectedDrivers() []string {
	return make([]string, f.drivers)
}

func TestSessionCollector(t *testing.T) {
	src := &fakeSource{
		stats: models.QueueStats{
			QueuedUpdates:    3,
			OfflineUpdates:   7,
			TotalUpdatesSent: 40,
			FailedUpdates:    2,
			AverageBatchSize: 8,
			LastBatchSent:    time.Unix(1_700_000_000, 0),
		},
		state:   models.StateDegraded,
		quality: models.QualityPoor,
		rtt:     750 * time.Millisecond,
	}
	c := NewSessionCollector(src, "drv-1")

	// 8 plain series, the optional last batch time, 6 states and 4 qualities.
	assert.Equal(t, 9+len(states)+len(qualities), testutil.CollectAndCount(c))

	expected := `
# HELP fleet_tracker_offline_updates Updates held in the offline queue
# TYPE fleet_tracker_offline_updates gauge
fleet_tracker_offline_updates{driver_id="drv-1"} 7
# HELP fleet_tracker_updates_sent_total Updates delivered to the server
# TYPE fleet_tracker_updates_sent_total counter
fleet_tracker_updates_sent_total{driver_id="drv-1"} 40
# HELP fleet_tracker_heartbeat_rtt_seconds Last measured heartbeat round trip
# TYPE fleet_tracker_heartbeat_rtt_seconds gauge
fleet_tracker_heartbeat_rtt_seconds{driver_id="drv-1"} 0.75
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"fleet_tracker_offline_updates", "fleet_tracker_updates_sent_total", "fleet_tracker_heartbeat_rtt_seconds"))

	src.stats.LastBatchSent = time.Time{}
	assert.Equal(t, 8+len(states)+len(qualities), testutil.CollectAndCount(c))
}

func TestStateIsOneHot(t *testing.T) {
	src := &fakeSource{state: models.StateConnected, quality: models.QualityGood}
	c := NewSessionCollector(src, "drv-1")
	expected := `
# HELP fleet_tracker_connection_state 1 for the current connection state
# TYPE fleet_tracker_connection_state gauge
fleet_tracker_connection_state{driver_id="drv-1",state="authenticating"} 0
fleet_tracker_connection_state{driver_id="drv-1",state="connected"} 1
fleet_tracker_connection_state{driver_id="drv-1",state="connecting"} 0
fleet_tracker_connection_state{driver_id="drv-1",state="degraded"} 0
fleet_tracker_connection_state{driver_id="drv-1",state="disconnected"} 0
fleet_tracker_connection_state{driver_id="drv-1",state="reconnecting"} 0
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "fleet_tracker_connection_state"))
}

func TestRegistryHandler(t *testing.T) {
	src := &fakeSource{state: models.StateConnected, quality: models.QualityGood}
	cs := append(NewRelayCollectors(fakeRelay{clients: 3, drivers: 2}), NewSessionCollector(src, "drv-1"))
	reg, err := NewRegistry(cs...)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "fleet_relay_connections 3")
	assert.Contains(t, string(body), "fleet_relay_connected_drivers 2")
	assert.Contains(t, string(body), `fleet_tracker_queued_updates{driver_id="drv-1"} 0`)
	assert.Contains(t, string(body), "go_goroutines")

	_, err = NewRegistry(NewSessionCollector(src, "drv-1"), NewSessionCollector(src, "drv-1"))
	assert.Error(t, err, "duplicate collectors are rejected")
}
