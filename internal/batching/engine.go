// Package batching decides, per location update, whether to suppress it, buffer it or flush
// the buffer now, and keeps updates in a bounded offline queue while the session is down.
package batching

import (
	"sync"
	"time"

	"fleet-realtime/internal/apperr"
	"fleet-realtime/internal/geo"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/platform"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxBatchSize         = 20
	DefaultBatchTimeout         = 10 * time.Second
	DefaultLowBatteryThreshold  = 20
	DefaultStaticUpdateInterval = 30 * time.Second

	// averageWindow is how many recent batch sizes feed AverageBatchSize.
	averageWindow = 10
)

// Link is the outbound side of the connection the engine flushes into.
type Link interface {
	Send(event string, payload any) error
	State() models.ConnectionState
}

type Config struct {
	// MaxBatchSize caps a single batch message.
	MaxBatchSize    int
	// TargetBatchSize is the base of the adaptive flush threshold. Defaults to MaxBatchSize.
	TargetBatchSize int
	BatchTimeout    time.Duration

	EnableOfflineQueue bool
	MaxOfflineUpdates  int

	EnableBatteryOptimization bool
	LowBatteryThreshold       float64 // Percent
	MovementThreshold         float64 // Meters
	StaticUpdateInterval      time.Duration

	Logger *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:              DefaultMaxBatchSize,
		BatchTimeout:              DefaultBatchTimeout,
		EnableOfflineQueue:        true,
		MaxOfflineUpdates:         DefaultMaxOfflineUpdates,
		EnableBatteryOptimization: true,
		LowBatteryThreshold:       DefaultLowBatteryThreshold,
		MovementThreshold:         geo.DefaultMovementThreshold,
		StaticUpdateInterval:      DefaultStaticUpdateInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.TargetBatchSize <= 0 {
		c.TargetBatchSize = c.MaxBatchSize
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	if c.MaxOfflineUpdates <= 0 {
		c.MaxOfflineUpdates = DefaultMaxOfflineUpdates
	}
	if c.LowBatteryThreshold <= 0 {
		c.LowBatteryThreshold = DefaultLowBatteryThreshold
	}
	if c.MovementThreshold <= 0 {
		c.MovementThreshold = geo.DefaultMovementThreshold
	}
	if c.StaticUpdateInterval <= 0 {
		c.StaticUpdateInterval = DefaultStaticUpdateInterval
	}
	return c
}

// Outcome is what Enqueue did with an update.
type Outcome int

const (
	Queued Outcome = iota
	Flushed
	Suppressed
	Offline
)

func (o Outcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case Flushed:
		return "flushed"
	case Suppressed:
		return "suppressed"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// Engine buffers outbound updates and owns the single batch timer.
type Engine struct {
	cfg     Config
	link    Link
	network platform.NetworkObserver
	battery platform.BatteryObserver
	offline *OfflineQueue
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.Mutex
	classifier *geo.Classifier
	moving     bool
	buf        []models.LocationUpdate
	timer      *time.Timer
	timerGen   uint64
	closed     bool

	sent       int
	failed     int
	suppressed int
	lastSent   time.Time
	sizes      [averageWindow]int
	sizesLen   int
	sizesNext  int

	// flushMu keeps batches on the wire in capture order: the offline backlog always goes
	// out before the buffer.
	flushMu sync.Mutex
}

// NewEngine builds an engine flushing into link. network and battery may be nil, which means
// unknown effective type and no battery introspection.
func NewEngine(link Link, network platform.NetworkObserver, battery platform.BatteryObserver, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	if battery == nil {
		battery = platform.NoBattery{}
	}
	return &Engine{
		cfg:        cfg,
		link:       link,
		network:    network,
		battery:    battery,
		offline:    NewOfflineQueue(cfg.MaxOfflineUpdates),
		logger:     logger.With().Str("module", "batching").Logger(),
		now:        time.Now,
		classifier: geo.NewClassifier(cfg.MovementThreshold),
	}
}

// Enqueue runs one update through the pipeline. The error is the flush failure when the update
// triggered an immediate flush, or an informational QueueOverflow when queuing it offline
// evicted an older update.
func (e *Engine) Enqueue(u models.LocationUpdate) (Outcome, error) {
	u = u.Stamped(e.now()).Clone()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Suppressed, nil
	}
	mv := e.classifier.Classify(u)
	e.moving = mv.Moving

	if e.cfg.EnableOfflineQueue && !e.online() {
		e.classifier.Accept(u)
		e.mu.Unlock()
		if e.offline.Push(u) {
			e.logger.Debug().Int("capacity", e.offline.Cap()).Msg("offline queue full, evicted oldest update")
			return Offline, apperr.New(apperr.KindQueueOverflow, "enqueue", nil)
		}
		return Offline, nil
	}

	if e.suppressLocked(u, mv) {
		e.suppressed++
		e.mu.Unlock()
		return Suppressed, nil
	}

	e.classifier.Accept(u)
	e.buf = append(e.buf, u)
	if len(e.buf) < BatchSize(e.cfg.TargetBatchSize, e.effectiveType()) {
		e.armLocked()
		e.mu.Unlock()
		return Queued, nil
	}
	e.mu.Unlock()

	if _, err := e.Flush(); err != nil {
		return Flushed, err
	}
	return Flushed, nil
}

// suppressLocked drops updates of an effectively stationary vehicle while the battery is low
// and not charging. Both the time and the distance since the last accepted update must be small.
func (e *Engine) suppressLocked(u models.LocationUpdate, mv geo.Movement) bool {
	if !e.cfg.EnableBatteryOptimization {
		return false
	}
	bat, ok := e.battery.Battery()
	if !ok || bat.Charging || bat.Level >= e.cfg.LowBatteryThreshold {
		return false
	}
	last, ok := e.classifier.Last()
	if !ok {
		return false
	}
	elapsed := u.Time().Sub(last.Time())
	return elapsed < 2*e.cfg.StaticUpdateInterval && mv.Distance < 2*e.cfg.MovementThreshold
}

// online is false while either the connection or the platform network is down.
func (e *Engine) online() bool {
	if !e.link.State().Online() {
		return false
	}
	return e.network == nil || e.network.Network().IsOnline
}

func (e *Engine) effectiveType() models.EffectiveType {
	if e.network == nil {
		return models.EffectiveTypeUnknown
	}
	return e.network.Network().EffectiveType
}

// armLocked starts the batch timer unless one is already pending.
func (e *Engine) armLocked() {
	if e.timer != nil || e.closed {
		return
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(e.cfg.BatchTimeout, func() { e.timerFired(gen) })
}

func (e *Engine) disarmLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

func (e *Engine) timerFired(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.mu.Unlock()

	if _, err := e.Flush(); err != nil {
		e.logger.Warn().Err(err).Msg("timed flush failed")
	}
}

// Flush sends up to MaxBatchSize of the oldest buffered updates as one batch message and
// returns how many were sent. A fresh timer is armed when updates remain. Flushing an empty
// buffer does nothing. A non-empty offline queue is replayed first when the link is up.
//
// A failed batch is kept: back at the front of the buffer for the next timer or threshold, or
// in the offline queue when the link is down and that queue is enabled.
func (e *Engine) Flush() (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	if e.online() && e.offline.Len() > 0 {
		if _, err := e.drainOfflineLocked(); err != nil {
			e.mu.Lock()
			if len(e.buf) > 0 {
				e.armLocked()
			}
			e.mu.Unlock()
			return 0, err
		}
	}

	e.mu.Lock()
	if len(e.buf) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	n := min(len(e.buf), e.cfg.MaxBatchSize)
	batch := append([]models.LocationUpdate(nil), e.buf[:n]...)
	e.buf = append(e.buf[:0], e.buf[n:]...)
	e.disarmLocked()
	if len(e.buf) > 0 {
		e.armLocked()
	}
	e.mu.Unlock()

	err := e.link.Send(models.EventBatchLocationUpdate, models.BatchEnvelope{Updates: batch})
	e.record(len(batch), err)
	if err != nil {
		e.retain(batch)
		return 0, err
	}
	e.logger.Debug().Int("size", len(batch)).Msg("batch sent")
	return len(batch), nil
}

func (e *Engine) retain(batch []models.LocationUpdate) {
	if e.cfg.EnableOfflineQueue && !e.online() {
		e.offline.requeue(batch)
		e.logger.Debug().Int("size", len(batch)).Msg("failed batch moved to offline queue")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf = append(append([]models.LocationUpdate(nil), batch...), e.buf...) // slices.Concat(batch, e.buf); Go 1.21 toolchain lacks it
	e.armLocked()
}

// DrainOffline replays the whole offline queue in one batch message. A failed drain leaves the
// updates queued.
func (e *Engine) DrainOffline() (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	return e.drainOfflineLocked()
}

func (e *Engine) drainOfflineLocked() (int, error) {
	n, err := e.offline.Drain(func(batch []models.LocationUpdate) error {
		err := e.link.Send(models.EventBatchLocationUpdate, models.BatchEnvelope{Updates: batch})
		e.record(len(batch), err)
		return err
	})
	if err != nil {
		e.logger.Warn().Err(err).Int("queued", e.offline.Len()).Msg("offline drain failed")
		return 0, err
	}
	if n > 0 {
		e.logger.Info().Int("updates", n).Msg("offline queue drained")
	}
	return n, nil
}

// SendImmediate sends u on its own, bypassing the buffer. While disconnected it goes to the
// offline queue instead when that is enabled.
func (e *Engine) SendImmediate(u models.LocationUpdate) error {
	u = u.Stamped(e.now()).Clone()

	e.mu.Lock()
	e.moving = e.classifier.Classify(u).Moving
	e.classifier.Accept(u)
	e.mu.Unlock()

	if e.cfg.EnableOfflineQueue && !e.online() {
		if e.offline.Push(u) {
			return apperr.New(apperr.KindQueueOverflow, "send immediate", nil)
		}
		return nil
	}

	e.flushMu.Lock()
	defer e.flushMu.Unlock()
	if e.offline.Len() > 0 {
		if _, err := e.drainOfflineLocked(); err != nil {
			e.offline.Push(u)
			return err
		}
	}
	err := e.link.Send(models.EventLocationUpdate, u)
	e.mu.Lock()
	if err != nil {
		e.failed++
	} else {
		e.sent++
	}
	e.mu.Unlock()
	return err
}

func (e *Engine) record(size int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.failed += size
		return
	}
	e.sent += size
	e.lastSent = e.now()
	e.sizes[e.sizesNext] = size
	e.sizesNext = (e.sizesNext + 1) % averageWindow
	if e.sizesLen < averageWindow {
		e.sizesLen++
	}
}

// Close disarms the timer and makes one best-effort attempt to send everything still buffered,
// including the offline queue when the link is up. Later Enqueue calls are ignored.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.disarmLocked()
	e.mu.Unlock()

	var firstErr error
	for {
		n, err := e.Flush()
		if err != nil {
			firstErr = err
			break
		}
		if n == 0 {
			break
		}
	}
	e.mu.Lock()
	e.disarmLocked()
	e.mu.Unlock()

	if e.online() {
		if _, err := e.DrainOffline(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Moving reports the movement flag of the most recent update.
func (e *Engine) Moving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.moving
}

// Offline exposes the offline queue.
func (e *Engine) Offline() *OfflineQueue {
	return e.offline
}

// Pending returns how many updates wait in the outbound buffer.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// TimerPending reports whether a batch timer is armed.
func (e *Engine) TimerPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

func (e *Engine) Stats() models.QueueStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var avg float64
	if e.sizesLen > 0 {
		total := 0
		for i := 0; i < e.sizesLen; i++ {
			total += e.sizes[i]
		}
		avg = float64(total) / float64(e.sizesLen)
	}
	return models.QueueStats{
		QueuedUpdates:     len(e.buf),
		OfflineUpdates:    e.offline.Len(),
		LastBatchSent:     e.lastSent,
		TotalUpdatesSent:  e.sent,
		FailedUpdates:     e.failed,
		AverageBatchSize:  avg,
		EvictedUpdates:    e.offline.Evicted(),
		SuppressedUpdates: e.suppressed,
	}
}
