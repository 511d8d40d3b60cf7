// Package transport wraps the persistent bidirectional connection to the chat
// server. It exposes connect/disconnect, fire-and-forget and acknowledged
// emits, and per-event subscriptions, and reconnects with backoff on its own.
// Two implementations share the same handler and acknowledgement plumbing: a
// websocket client and a NATS client.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Status is the connection status surfaced to subscribers.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// Gauge maps the status to the value exported on the connection status gauge.
func (s Status) Gauge() float64 {
	switch s {
	case StatusConnecting:
		return 1
	case StatusConnected:
		return 2
	case StatusReconnecting:
		return 3
	default:
		return 0
	}
}

var (
	// ErrNotConnected is returned when an emit is attempted while the
	// connection is down. The frame is dropped, never queued.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAckTimeout is returned when the server did not acknowledge an emit
	// before the deadline.
	ErrAckTimeout = errors.New("transport: acknowledgement timed out")

	// ErrEmptyCredential is returned by Connect when no credential is given.
	ErrEmptyCredential = errors.New("transport: empty credential")
)

// RemoteError is a negative acknowledgement from the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: server rejected request: %s: %s", e.Code, e.Message)
}

// AckResult is the single outcome of an acknowledged emit.
type AckResult struct {
	Data json.RawMessage
	Err  error
}

// Handler receives the raw payload of one inbound event.
type Handler func(data json.RawMessage)

// Transport is the connection capability the engine depends on.
type Transport interface {
	// Connect starts connecting in the background. It is idempotent for the
	// same credential; a different credential replaces the connection. Dial
	// failures never surface here, only as status transitions.
	Connect(ctx context.Context, credential string) error

	// Disconnect closes the connection and stops reconnecting. It is safe to
	// call when already disconnected.
	Disconnect() error

	// Emit sends a fire-and-forget event. It returns ErrNotConnected when the
	// connection is down.
	Emit(event string, payload interface{}) error

	// EmitAck sends an event and yields exactly one AckResult on the returned
	// channel: the server's reply, ErrAckTimeout, ErrNotConnected or a
	// *RemoteError.
	EmitAck(ctx context.Context, event string, payload interface{}) <-chan AckResult

	// On subscribes h to an inbound event. Handlers run on the connection's
	// read goroutine in arrival order. The returned func unsubscribes.
	On(event string, h Handler) (off func())

	// OnStatus subscribes to status transitions. Callbacks must not call
	// Connect or Disconnect synchronously.
	OnStatus(fn func(Status)) (off func())

	// Status returns the current connection status.
	Status() Status
}

// failed returns a channel already holding a failed AckResult.
func failed(err error) <-chan AckResult {
	ch := make(chan AckResult, 1)
	ch <- AckResult{Err: err}
	return ch
}
