// Package transport is the contract for the duplex event channel under the Connection Manager.
// A Dialer opens one Conn per connection attempt; the Conn carries named events both ways.
package transport

import (
	"context"
	"encoding/json"
	"time"
)

// FrameKind tags an inbound Frame.
type FrameKind int

const (
	// FrameMessage carries a named event from the peer.
	FrameMessage FrameKind = iota
	// FrameClosed is the last frame of a Conn. Graceful is set when the peer closed normally.
	FrameClosed
)

// Frame is one inbound item of a Conn.
type Frame struct {
	Kind     FrameKind
	Event    string
	Data     json.RawMessage
	Graceful bool
	Err      error
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return nil
	}
	return json.Unmarshal(f.Data, v)
}

// Conn is an open duplex channel. Frames is closed after the FrameClosed frame.
type Conn interface {
	Send(event string, payload any) error
	Frames() <-chan Frame
	Close() error
}

// Dialer opens connections. A returned Conn counts as the transport-level "open".
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// Envelope is the JSON body every transport puts on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Encode builds the wire body for event with payload.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Type: event, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a wire body into a message frame.
func DecodeEnvelope(body []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameMessage, Event: env.Type, Data: env.Data}, nil
}
