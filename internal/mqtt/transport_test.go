package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet-realtime/internal/connection"
	"fleet-realtime/internal/models"
	"fleet-realtime/internal/transport"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	payload []byte
}

func (m message) Duplicate() bool   { return false }
func (m message) Qos() byte         { return 1 }
func (m message) Retained() bool    { return false }
func (m message) Topic() string     { return m.topic }
func (m message) MessageID() uint16 { return 0 }
func (m message) Payload() []byte   { return m.payload }
func (m message) Ack()              {}

type published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// fakeBroker stands in for a paho client connected to a broker.
type fakeBroker struct {
	mu           sync.Mutex
	opts         *MQTT.ClientOptions
	connectErr   error
	handlers     map[string]MQTT.MessageHandler
	published    []published
	disconnected bool
	onPublish    func(b *fakeBroker, topic string, payload []byte)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]MQTT.MessageHandler)}
}

func (b *fakeBroker) dialer(cfg Config) *Dialer {
	nop := zerolog.Nop()
	cfg.Logger = &nop
	d := NewDialer(cfg)
	d.newClient = func(o *MQTT.ClientOptions) MQTT.Client {
		b.mu.Lock()
		b.opts = o
		b.mu.Unlock()
		return b
	}
	return d
}

func (b *fakeBroker) deliver(topic string, event string, payload any) {
	body, _ := transport.Encode(event, payload)
	b.mu.Lock()
	h := b.handlers[topic]
	b.mu.Unlock()
	if h != nil {
		h(b, message{topic: topic, payload: body})
	}
}

func (b *fakeBroker) lose(err error) {
	b.mu.Lock()
	lost := b.opts.OnConnectionLost
	b.mu.Unlock()
	lost(b, err)
}

func (b *fakeBroker) sent() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.published...)
}

func (b *fakeBroker) IsConnected() bool      { return true }
func (b *fakeBroker) IsConnectionOpen() bool { return true }
func (b *fakeBroker) Connect() MQTT.Token    { return doneToken{err: b.connectErr} }
func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}
func (b *fakeBroker) Publish(topic string, qos byte, _ bool, payload interface{}) MQTT.Token {
	body := payload.([]byte)
	b.mu.Lock()
	b.published = append(b.published, published{Topic: topic, QoS: qos, Payload: body})
	hook := b.onPublish
	b.mu.Unlock()
	if hook != nil {
		go hook(b, topic, body)
	}
	return doneToken{}
}
func (b *fakeBroker) Subscribe(topic string, _ byte, cb MQTT.MessageHandler) MQTT.Token {
	b.mu.Lock()
	b.handlers[topic] = cb
	b.mu.Unlock()
	return doneToken{}
}
func (b *fakeBroker) SubscribeMultiple(map[string]byte, MQTT.MessageHandler) MQTT.Token {
	return doneToken{}
}
func (b *fakeBroker) Unsubscribe(topics ...string) MQTT.Token {
	b.mu.Lock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	b.mu.Unlock()
	return doneToken{}
}
func (b *fakeBroker) AddRoute(string, MQTT.MessageHandler)    {}
func (b *fakeBroker) OptionsReader() MQTT.ClientOptionsReader { return MQTT.ClientOptionsReader{} }

func nextFrame(t *testing.T, c transport.Conn) transport.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		require.True(t, ok, "frame stream closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame")
		return transport.Frame{}
	}
}

func TestDialSubscribesAndPublishes(t *testing.T) {
	b := newFakeBroker()
	cfg := DefaultConfig()
	cfg.ClientID = "drv-1-phone"
	cfg.Username = "fleet"
	cfg.Password = "secret"
	conn, err := b.dialer(cfg).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	assert.False(t, b.opts.AutoReconnect, "the connection manager owns reconnects")
	assert.Equal(t, "drv-1-phone", b.opts.ClientID)
	assert.Equal(t, "fleet", b.opts.Username)
	assert.Contains(t, b.handlers, "fleet/drv-1-phone/down")

	require.NoError(t, conn.Send(models.EventPing, models.PingPayload{Seq: 3}))
	sent := b.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "fleet/drv-1-phone/up", sent[0].Topic)
	assert.Equal(t, byte(1), sent[0].QoS)

	var env transport.Envelope
	require.NoError(t, json.Unmarshal(sent[0].Payload, &env))
	assert.Equal(t, models.EventPing, env.Type)
	assert.JSONEq(t, `{"seq":3,"sentAt":0}`, string(env.Data))
}

func TestInboundFramesInOrder(t *testing.T) {
	b := newFakeBroker()
	cfg := DefaultConfig()
	cfg.ClientID = "c1"
	conn, err := b.dialer(cfg).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	down := DownTopic(DefaultTopicPrefix, "c1")
	b.deliver(down, models.EventAuthenticated, models.AuthenticatedPayload{OK: true})
	b.deliver(down, models.EventPong, nil)

	f := nextFrame(t, conn)
	assert.Equal(t, models.EventAuthenticated, f.Event)
	assert.Equal(t, models.EventPong, nextFrame(t, conn).Event)
}

func TestConnectionLostEndsStream(t *testing.T) {
	b := newFakeBroker()
	conn, err := b.dialer(DefaultConfig()).Dial(context.Background())
	require.NoError(t, err)

	cause := errors.New("broker went away")
	b.lose(cause)
	f := nextFrame(t, conn)
	assert.Equal(t, transport.FrameClosed, f.Kind)
	assert.False(t, f.Graceful)
	assert.ErrorIs(t, f.Err, cause)

	_, ok := <-conn.Frames()
	assert.False(t, ok)
	assert.ErrorIs(t, conn.Send(models.EventPing, nil), ErrConnClosed)
}

func TestCloseIsGraceful(t *testing.T) {
	b := newFakeBroker()
	cfg := DefaultConfig()
	cfg.ClientID = "c2"
	conn, err := b.dialer(cfg).Dial(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	f := nextFrame(t, conn)
	assert.Equal(t, transport.FrameClosed, f.Kind)
	assert.True(t, f.Graceful)
	assert.True(t, b.disconnected)
	assert.NotContains(t, b.handlers, DownTopic(DefaultTopicPrefix, "c2"))
}

func TestDialFailure(t *testing.T) {
	b := newFakeBroker()
	b.connectErr = errors.New("not authorized")
	_, err := b.dialer(DefaultConfig()).Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestFreshClientIDPerDial(t *testing.T) {
	b := newFakeBroker()
	d := b.dialer(DefaultConfig())
	c1, err := d.Dial(context.Background())
	require.NoError(t, err)
	first := b.opts.ClientID
	c2, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer c1.Close()
	defer c2.Close()
	assert.NotEqual(t, first, b.opts.ClientID)
	assert.Contains(t, first, "fleet-")
}

func TestManagerOverMQTT(t *testing.T) {
	b := newFakeBroker()
	cfg := DefaultConfig()
	cfg.ClientID = "drv-1"
	b.onPublish = func(b *fakeBroker, topic string, payload []byte) {
		f, err := transport.DecodeEnvelope(payload)
		if err != nil {
			return
		}
		down := DownTopic(DefaultTopicPrefix, "drv-1")
		switch f.Event {
		case models.EventAuthenticate:
			b.deliver(down, models.EventAuthenticated, models.AuthenticatedPayload{OK: true})
		case models.EventPing:
			b.deliver(down, models.EventPong, f.Data)
		}
	}

	nop := zerolog.Nop()
	connCfg := connection.DefaultConfig()
	connCfg.HeartbeatInterval = 20 * time.Millisecond
	connCfg.Logger = &nop
	m := connection.New(b.dialer(cfg), connCfg)
	defer m.Disconnect()

	require.NoError(t, m.Connect(context.Background(), models.Credentials{
		CompanyID: "acme", UserType: "driver", DriverID: "drv-1", UserID: "usr-1",
	}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.WaitConnected(ctx))
	require.Eventually(t, func() bool { return m.RTT() > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.QualityExcellent, m.Quality())
}
