// Package metrics exposes pipeline and relay state to Prometheus. Values are read from their
// owners at scrape time, so nothing here has to be kept in sync by hand.
package metrics

import (
	"net/http"
	"time"

	"fleet-realtime/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Source is what a driver session reports.
type Source interface {
	Stats() models.QueueStats
	State() models.ConnectionState
	Quality() models.Quality
	RTT() time.Duration
}

var states = []models.ConnectionState{
	models.StateDisconnected,
	models.StateConnecting,
	models.StateAuthenticating,
	models.StateConnected,
	models.StateDegraded,
	models.StateReconnecting,
}

var qualities = []models.Quality{
	models.QualityExcellent,
	models.QualityGood,
	models.QualityPoor,
	models.QualityOffline,
}

// SessionCollector reports one session's queue stats and connection state.
type SessionCollector struct {
	src Source

	queued     *prometheus.Desc
	offline    *prometheus.Desc
	sent       *prometheus.Desc
	failed     *prometheus.Desc
	evicted    *prometheus.Desc
	suppressed *prometheus.Desc
	avgBatch   *prometheus.Desc
	lastBatch  *prometheus.Desc
	state      *prometheus.Desc
	quality    *prometheus.Desc
	rtt        *prometheus.Desc
}

func NewSessionCollector(src Source, driverID string) *SessionCollector {
	labels := prometheus.Labels{"driver_id": driverID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "tracker", name), help, variable, labels)
	}
	return &SessionCollector{
		src:        src,
		queued:     desc("queued_updates", "Updates buffered for the next batch"),
		offline:    desc("offline_updates", "Updates held in the offline queue"),
		sent:       desc("updates_sent_total", "Updates delivered to the server"),
		failed:     desc("updates_failed_total", "Updates in batches the transport rejected"),
		evicted:    desc("offline_evicted_total", "Updates evicted from a full offline queue"),
		suppressed: desc("updates_suppressed_total", "Updates dropped by battery optimization"),
		avgBatch:   desc("average_batch_size", "Mean size of the last batches sent"),
		lastBatch:  desc("last_batch_timestamp_seconds", "Unix time of the last batch sent"),
		state:      desc("connection_state", "1 for the current connection state", "state"),
		quality:    desc("connection_quality", "1 for the current link quality", "quality"),
		rtt:        desc("heartbeat_rtt_seconds", "Last measured heartbeat round trip"),
	}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queued, c.offline, c.sent, c.failed, c.evicted, c.suppressed,
		c.avgBatch, c.lastBatch, c.state, c.quality, c.rtt,
	} {
		ch <- d
	}
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.queued, float64(st.QueuedUpdates))
	gauge(c.offline, float64(st.OfflineUpdates))
	counter(c.sent, st.TotalUpdatesSent)
	counter(c.failed, st.FailedUpdates)
	counter(c.evicted, st.EvictedUpdates)
	counter(c.suppressed, st.SuppressedUpdates)
	gauge(c.avgBatch, st.AverageBatchSize)
	if !st.LastBatchSent.IsZero() {
		gauge(c.lastBatch, float64(st.LastBatchSent.UnixNano())/1e9)
	}

	current := c.src.State()
	for _, s := range states {
		gauge(c.state, boolValue(s == current), s.String())
	}
	q := c.src.Quality()
	for _, each := range qualities {
		gauge(c.quality, boolValue(each == q), string(each))
	}
	gauge(c.rtt, c.src.RTT().Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Relay is what the relay hub reports.
type Relay interface {
	ClientCount() int
	ConnectedDrivers() []string
}

// NewRelayCollectors returns gauges for the relay's open connections and connected drivers.
func NewRelayCollectors(r Relay) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket connections",
		}, func() float64 { return float64(r.ClientCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connected_drivers",
			Help:      "Drivers with a live connection",
		}, func() float64 { return float64(len(r.ConnectedDrivers())) }),
	}
}

// NewRegistry returns a registry with the Go runtime and process collectors plus cs.
func NewRegistry(cs ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	base := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range append(base, cs...) {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler serves reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
