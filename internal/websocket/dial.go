package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"fleet-realtime/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next message or ping from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A full offline batch is the largest message.
	maxMessageSize = 256 * 1024

	sendBuffer = 256
)

var ErrConnClosed = errors.New("websocket: connection closed")

// Dialer opens client connections to the relay. The bearer token, when set, travels as the
// token query parameter because browsers and most ws clients can't set headers on upgrade.
type Dialer struct {
	URL              string
	Token            string
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           *zerolog.Logger
}

func NewDialer(serverURL, token string, logger *zerolog.Logger) *Dialer {
	return &Dialer{URL: serverURL, Token: token, HandshakeTimeout: 10 * time.Second, Logger: logger}
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if d.Token != "" {
		q := u.Query()
		q.Set("token", d.Token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	logger := log.Logger
	if d.Logger != nil {
		logger = *d.Logger
	}
	c := newConn(ws, logger.With().Str("module", "websocket").Logger())
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Conn is a client connection carrying JSON envelopes in text messages.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger
	send   chan []byte
	frames chan transport.Frame
	done   chan struct{}
	// writerDone is closed when writePump returns.
	writerDone chan struct{}

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		frames: make(chan transport.Frame, sendBuffer),
		done:   make(chan struct{}),

		writerDone: make(chan struct{}),
	}
}

func (c *Conn) Send(event string, payload any) error {
	body, err := transport.Encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- body:
		return nil
	default:
		return errors.New("websocket: send buffer full")
	}
}

func (c *Conn) Frames() <-chan transport.Frame {
	return c.frames
}

// Close writes the messages already accepted by Send, sends a normal close frame and stops both
// pumps. The frame stream still ends with a graceful FrameClosed.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) localClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readPump feeds frames until the socket fails, then emits FrameClosed and closes the stream.
func (c *Conn) readPump() {
	defer close(c.frames)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			graceful := c.localClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if !graceful {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			c.frames <- transport.Frame{Kind: transport.FrameClosed, Graceful: graceful, Err: err}
			c.Close()
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		// The relay joins queued messages with newlines.
		for _, body := range bytes.Split(message, []byte{'\n'}) {
			if len(bytes.TrimSpace(body)) == 0 {
				continue
			}
			f, err := transport.DecodeEnvelope(body)
			if err != nil {
				c.logger.Warn().Err(err).Msg("invalid message format")
				continue
			}
			c.frames <- f
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// drain writes what is left in the send buffer, then the close frame. Send refuses new
// messages once done is closed.
func (c *Conn) drain() {
	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
