package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/whisper/workchat/internal/protocol"
)

// ErrNoReply can be returned by a Fake's Responder to leave an emit
// unacknowledged, so callers observe ErrAckTimeout.
var ErrNoReply = errors.New("transport: fake: no reply")

// Emission is one frame recorded by Fake.
type Emission struct {
	Event string
	Data  json.RawMessage
	Acked bool // sent with EmitAck
}

// Decode unmarshals the recorded payload into dst.
func (e Emission) Decode(dst interface{}) error {
	return json.Unmarshal(e.Data, dst)
}

// Responder plays the server side of acknowledged emits for a Fake. A nil
// reply with a nil error acknowledges with an empty body; a *RemoteError is
// delivered as a negative acknowledgement.
type Responder func(event string, data json.RawMessage) (reply interface{}, err error)

// Fake is an in-process Transport for tests. Connection changes happen
// synchronously and inbound events are delivered with Deliver on the calling
// goroutine, standing in for the read goroutine.
type Fake struct {
	hub *hub

	mu         sync.Mutex
	connected  bool
	credential string
	connects   int
	emitted    []Emission
	responder  Responder
	ackTimeout time.Duration
}

var _ Transport = (*Fake)(nil)

// NewFake creates a disconnected Fake whose acknowledged emits succeed.
func NewFake() *Fake {
	return &Fake{hub: newHub(nil), ackTimeout: time.Second}
}

// SetResponder replaces the server-side ack behaviour.
func (f *Fake) SetResponder(r Responder) {
	f.mu.Lock()
	f.responder = r
	f.mu.Unlock()
}

// SetAckTimeout bounds how long EmitAck waits when the responder withholds a reply.
func (f *Fake) SetAckTimeout(d time.Duration) {
	f.mu.Lock()
	f.ackTimeout = d
	f.mu.Unlock()
}

// Connect moves through connecting to connected.
func (f *Fake) Connect(_ context.Context, credential string) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	f.mu.Lock()
	if f.connected && f.credential == credential {
		f.mu.Unlock()
		return nil
	}
	f.credential = credential
	f.connects++
	f.mu.Unlock()

	f.hub.setStatus(StatusConnecting)
	f.setConnected(true)
	f.hub.setStatus(StatusConnected)
	return nil
}

// Disconnect fails outstanding emits and reports disconnected.
func (f *Fake) Disconnect() error {
	f.mu.Lock()
	f.credential = ""
	f.mu.Unlock()
	f.setConnected(false)
	f.hub.failPending(ErrNotConnected)
	f.hub.setStatus(StatusDisconnected)
	return nil
}

// Drop simulates a transport-level disconnect.
func (f *Fake) Drop() {
	f.setConnected(false)
	f.hub.failPending(ErrNotConnected)
	f.hub.setStatus(StatusReconnecting)
}

// Recover simulates a successful reconnect after Drop.
func (f *Fake) Recover() {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.setConnected(true)
	f.hub.setStatus(StatusConnected)
}

func (f *Fake) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *Fake) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Status returns the current connection status.
func (f *Fake) Status() Status { return f.hub.current() }

// On subscribes h to an inbound event.
func (f *Fake) On(event string, h Handler) func() { return f.hub.on(event, h) }

// OnStatus subscribes to status transitions.
func (f *Fake) OnStatus(fn func(Status)) func() { return f.hub.onStatus(fn) }

// Emit records a fire-and-forget frame.
func (f *Fake) Emit(event string, payload interface{}) error {
	if !f.isConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.record(Emission{Event: event, Data: data})
	return nil
}

// EmitAck records the frame and answers it through the responder.
func (f *Fake) EmitAck(ctx context.Context, event string, payload interface{}) <-chan AckResult {
	if !f.isConnected() {
		return failed(ErrNotConnected)
	}
	f.mu.Lock()
	timeout, responder := f.ackTimeout, f.responder
	f.mu.Unlock()

	return f.hub.emitAck(ctx, timeout, event, payload, func(frame []byte) error {
		fr, err := protocol.ParseFrame(frame)
		if err != nil {
			return err
		}
		f.record(Emission{Event: event, Data: fr.Data, Acked: true})

		var reply interface{}
		if responder != nil {
			reply, err = responder(event, fr.Data)
		}
		if errors.Is(err, ErrNoReply) {
			return nil
		}
		ack := protocol.Frame{Event: protocol.EventAck, Ack: fr.Ack}
		var remote *RemoteError
		switch {
		case errors.As(err, &remote):
			ack.Error = &protocol.FrameError{Code: remote.Code, Message: remote.Message}
		case err != nil:
			ack.Error = &protocol.FrameError{Code: "error", Message: err.Error()}
		case reply != nil:
			raw, merr := json.Marshal(reply)
			if merr != nil {
				return merr
			}
			ack.Data = raw
		}
		f.hub.dispatch(ack)
		return nil
	})
}

func (f *Fake) record(e Emission) {
	f.mu.Lock()
	f.emitted = append(f.emitted, e)
	f.mu.Unlock()
}

// Deliver pushes an inbound event through the registered handlers.
func (f *Fake) Deliver(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.hub.dispatch(protocol.Frame{Event: event, Data: data})
	return nil
}

// Emitted returns every recorded frame in emission order.
func (f *Fake) Emitted() []Emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Emission(nil), f.emitted...)
}

// EmittedEvent returns the recorded frames for one event.
func (f *Fake) EmittedEvent(event string) []Emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Emission
	for _, e := range f.emitted {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Connects returns how many times a connection was established.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}
