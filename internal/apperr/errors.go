// Package apperr defines the error kinds surfaced by the location pipeline.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindNotConnected         Kind = "not_connected"
	KindAuthenticationFailed Kind = "authentication_failed"
	KindTransport            Kind = "transport_error"
	KindReconnectExhausted   Kind = "reconnect_exhausted"
	KindGeoSourceUnavailable Kind = "geo_source_unavailable"
	KindGeoSource            Kind = "geo_source_error"
	KindRequestTimeout       Kind = "request_timeout"
	KindQueueOverflow        Kind = "queue_overflow"
	KindQueryInFlight        Kind = "query_in_flight"
)

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrNotConnected         = &Error{Kind: KindNotConnected}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrTransport            = &Error{Kind: KindTransport}
	ErrReconnectExhausted   = &Error{Kind: KindReconnectExhausted}
	ErrGeoSourceUnavailable = &Error{Kind: KindGeoSourceUnavailable}
	ErrGeoSource            = &Error{Kind: KindGeoSource}
	ErrRequestTimeout       = &Error{Kind: KindRequestTimeout}
	ErrQueueOverflow        = &Error{Kind: KindQueueOverflow}
	ErrQueryInFlight        = &Error{Kind: KindQueryInFlight}
)

// Error is a classified failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an error of kind k for operation op, wrapping err (which may be nil).
func New(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Fatal reports whether err leaves the session unable to continue without an explicit reconnect.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindAuthenticationFailed, KindReconnectExhausted:
		return true
	}
	return false
}
