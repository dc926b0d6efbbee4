// Package transporttest provides an in-memory transport for exercising the pipeline in tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"fleet-realtime/internal/models"
	"fleet-realtime/internal/transport"
)

// ErrClosed is returned by Send on a closed fake connection.
var ErrClosed = errors.New("transporttest: connection closed")

// Message is one event sent by the client.
type Message struct {
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Dialer hands out fake connections. By default it acknowledges authenticate and answers ping.
type Dialer struct {
	mu         sync.Mutex
	dialErr    error
	autoAuth   bool
	rejectAuth bool
	autoPong   bool
	onSend     func(c *Conn, m Message)
	dials      int
	conns      []*Conn
	dialed     chan *Conn
}

func NewDialer() *Dialer {
	return &Dialer{autoAuth: true, autoPong: true, dialed: make(chan *Conn, 64)}
}

// SetDialErr makes every following Dial fail with err. nil restores dialing.
func (d *Dialer) SetDialErr(err error) {
	d.mu.Lock()
	d.dialErr = err
	d.mu.Unlock()
}

// SetAutoAuth controls whether authenticate is acknowledged automatically.
func (d *Dialer) SetAutoAuth(on bool) {
	d.mu.Lock()
	d.autoAuth = on
	d.mu.Unlock()
}

// SetRejectAuth makes authenticate get an ok=false reply.
func (d *Dialer) SetRejectAuth(on bool) {
	d.mu.Lock()
	d.rejectAuth = on
	d.mu.Unlock()
}

// SetAutoPong controls whether ping is answered automatically.
func (d *Dialer) SetAutoPong(on bool) {
	d.mu.Lock()
	d.autoPong = on
	d.mu.Unlock()
}

// OnSend installs a hook called for every message the client sends, after auto replies.
func (d *Dialer) OnSend(fn func(c *Conn, m Message)) {
	d.mu.Lock()
	d.onSend = fn
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	if d.dialErr != nil {
		err := d.dialErr
		d.mu.Unlock()
		return nil, err
	}
	c := &Conn{d: d, frames: make(chan transport.Frame, 1024)}
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// Dials counts every Dial call, failed or not.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dialed delivers each successfully dialed connection.
func (d *Dialer) Dialed() <-chan *Conn {
	return d.dialed
}

// Last returns the most recent connection, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Sent returns every message with the given event across all connections, in order.
// An empty event returns everything.
func (d *Dialer) Sent(event string) []Message {
	d.mu.Lock()
	conns := append([]*Conn(nil), d.conns...)
	d.mu.Unlock()

	var out []Message
	for _, c := range conns {
		out = append(out, c.Sent(event)...)
	}
	return out
}

// Conn is a fake connection.
type Conn struct {
	d      *Dialer
	frames chan transport.Frame

	mu      sync.Mutex
	closed  bool
	sendErr error
	sent    []Message
}

func (c *Conn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	m := Message{Event: event, Data: data}
	c.sent = append(c.sent, m)
	c.mu.Unlock()

	c.d.mu.Lock()
	autoAuth, reject, autoPong, hook := c.d.autoAuth, c.d.rejectAuth, c.d.autoPong, c.d.onSend
	c.d.mu.Unlock()

	switch {
	case event == models.EventAuthenticate && reject:
		c.Deliver(models.EventAuthenticated, models.AuthenticatedPayload{OK: false, Error: "invalid credentials"})
	case event == models.EventAuthenticate && autoAuth:
		c.Deliver(models.EventAuthenticated, models.AuthenticatedPayload{OK: true})
	case event == models.EventPing && autoPong:
		c.Deliver(models.EventPong, json.RawMessage(data))
	}
	if hook != nil {
		hook(c, m)
	}
	return nil
}

func (c *Conn) Frames() <-chan transport.Frame {
	return c.frames
}

// Close is the client-side close. It ends the frame stream gracefully.
func (c *Conn) Close() error {
	c.finish(transport.Frame{Kind: transport.FrameClosed, Graceful: true})
	return nil
}

// Deliver pushes a server event to the client.
func (c *Conn) Deliver(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- transport.Frame{Kind: transport.FrameMessage, Event: event, Data: data}
}

// Drop simulates the server or network ending the connection.
func (c *Conn) Drop(graceful bool, err error) {
	c.finish(transport.Frame{Kind: transport.FrameClosed, Graceful: graceful, Err: err})
}

// SetSendErr makes every following Send fail with err.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Closed reports whether the connection has ended.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Sent returns the messages with the given event sent on this connection; "" returns all.
func (c *Conn) Sent(event string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Message
	for _, m := range c.sent {
		if event == "" || m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conn) finish(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.frames <- f
	close(c.frames)
}
