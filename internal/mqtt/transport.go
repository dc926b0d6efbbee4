// Package mqtt carries the wire protocol over an MQTT broker. Each session publishes envelopes
// on <prefix>/<client id>/up and receives on <prefix>/<client id>/down.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleet-realtime/internal/transport"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTopicPrefix = "fleet"

	publishTimeout = 10 * time.Second
	inboxSize      = 256
)

var ErrConnClosed = errors.New("mqtt: connection closed")

// Config holds MQTT configuration
type Config struct {
	Broker         string // tcp://host:1883
	ClientID       string // Defaults to fleet-<uuid>, fresh per Dial
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	Logger         *zerolog.Logger
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		TopicPrefix:    DefaultTopicPrefix,
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Dialer opens one broker session per Dial. Paho's own reconnect is off because the Connection
// Manager owns the retry policy.
type Dialer struct {
	cfg       Config
	logger    zerolog.Logger
	newClient func(*MQTT.ClientOptions) MQTT.Client
}

func NewDialer(cfg Config) *Dialer {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Dialer{
		cfg:       cfg,
		logger:    logger.With().Str("module", "mqtt").Logger(),
		newClient: MQTT.NewClient,
	}
}

// UpTopic is where clientID publishes.
func UpTopic(prefix, clientID string) string {
	return fmt.Sprintf("%s/%s/up", prefix, clientID)
}

// DownTopic is where clientID receives.
func DownTopic(prefix, clientID string) string {
	return fmt.Sprintf("%s/%s/down", prefix, clientID)
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	clientID := d.cfg.ClientID
	if clientID == "" {
		clientID = "fleet-" + uuid.NewString()
	}
	c := &Conn{
		cfg:    d.cfg,
		logger: d.logger.With().Str("client_id", clientID).Logger(),
		up:     UpTopic(d.cfg.TopicPrefix, clientID),
		down:   DownTopic(d.cfg.TopicPrefix, clientID),
		inbox:  make(chan transport.Frame, inboxSize),
		frames: make(chan transport.Frame),
		done:   make(chan struct{}),
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(d.cfg.Broker)
	opts.SetClientID(clientID)
	if d.cfg.Username != "" {
		opts.SetUsername(d.cfg.Username)
		opts.SetPassword(d.cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(d.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = d.newClient(opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	if err := wait(ctx, c.client.Subscribe(c.down, d.cfg.QoS, c.onMessage)); err != nil {
		c.client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", c.down, err)
	}

	go c.pump()
	c.logger.Info().Str("broker", d.cfg.Broker).Msg("MQTT client connected")
	return c, nil
}

func wait(ctx context.Context, token MQTT.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Conn is one broker session.
type Conn struct {
	cfg    Config
	logger zerolog.Logger
	client MQTT.Client
	up     string
	down   string

	inbox  chan transport.Frame
	frames chan transport.Frame
	done   chan struct{}

	mu       sync.Mutex
	closed   bool
	graceful bool
	cause    error
}

func (c *Conn) Send(event string, payload any) error {
	if c.isClosed() {
		return ErrConnClosed
	}
	body, err := transport.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	token := c.client.Publish(c.up, c.cfg.QoS, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", c.up)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", c.up, err)
	}
	return nil
}

func (c *Conn) Frames() <-chan transport.Frame {
	return c.frames
}

func (c *Conn) Close() error {
	if !c.finish(true, nil) {
		return nil
	}
	c.client.Unsubscribe(c.down).WaitTimeout(time.Second)
	c.client.Disconnect(250)
	c.logger.Info().Msg("MQTT client disconnected")
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// finish records how the session ended. Only the first call counts.
func (c *Conn) finish(graceful bool, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.graceful = graceful
	c.cause = cause
	close(c.done)
	return true
}

func (c *Conn) onConnectionLost(_ MQTT.Client, err error) {
	c.logger.Warn().Err(err).Msg("MQTT connection lost")
	c.finish(false, err)
}

func (c *Conn) onMessage(_ MQTT.Client, msg MQTT.Message) {
	f, err := transport.DecodeEnvelope(msg.Payload())
	if err != nil {
		c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("invalid message format")
		return
	}
	select {
	case c.inbox <- f:
	case <-c.done:
	}
}

// pump forwards inbound frames in arrival order and ends the stream with FrameClosed.
func (c *Conn) pump() {
	defer close(c.frames)
	for {
		select {
		case f := <-c.inbox:
			c.frames <- f
		case <-c.done:
			c.mu.Lock()
			closing := transport.Frame{Kind: transport.FrameClosed, Graceful: c.graceful, Err: c.cause}
			c.mu.Unlock()
			c.frames <- closing
			return
		}
	}
}
