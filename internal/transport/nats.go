package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/metrics"
	"github.com/whisper/workchat/internal/protocol"
)

// NATS subject layout, relative to NATSConfig.Prefix.
const (
	SubjectUser    = "user" // + .<user_id>: frames pushed to one user
	SubjectCommand = "cmd"  // frames emitted by clients
)

// NATSConfig holds NATS transport settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	Prefix        string        // subject prefix, e.g. "workchat"
	UserID        string        // local user, selects the inbound subject
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	AckTimeout    time.Duration
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "workchat",
		Prefix:        "workchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		AckTimeout:    10 * time.Second,
	}
}

// InboundSubject is the subject frames for userID are published on.
func (c NATSConfig) InboundSubject() string {
	return c.Prefix + "." + SubjectUser + "." + c.UserID
}

// CommandSubject is the subject client emissions are published on.
func (c NATSConfig) CommandSubject() string {
	return c.Prefix + "." + SubjectCommand
}

// NATS is a Transport over a NATS connection. nats.go owns the reconnect
// loop; its connection handlers drive the status transitions. Acknowledged
// emits use NATS request/reply.
type NATS struct {
	cfg NATSConfig
	hub *hub
	log *zap.Logger

	lifecycle sync.Mutex

	mu         sync.Mutex
	conn       *nats.Conn
	sub        *nats.Subscription
	credential string
}

var _ Transport = (*NATS)(nil)

// NewNATS creates a disconnected NATS transport.
func NewNATS(cfg NATSConfig, log *zap.Logger) *NATS {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATS{cfg: cfg, hub: newHub(log), log: log}
}

// Connect opens the NATS connection with the credential as its token and
// subscribes to the user's inbound subject. An unreachable server is retried
// in the background rather than reported.
func (n *NATS) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	if n.cfg.UserID == "" {
		return fmt.Errorf("transport: nats: user id is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}

	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.mu.Lock()
	if n.conn != nil && n.credential == credential {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	n.close()

	n.hub.setStatus(StatusConnecting)

	opts := []nats.Option{
		nats.Name(n.cfg.Name),
		nats.Token(credential),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			if n.owns(nc) {
				n.log.Info("connected", zap.String("url", nc.ConnectedUrl()))
				n.hub.setStatus(StatusConnected)
			}
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if !n.owns(nc) {
				return
			}
			if err != nil {
				n.log.Warn("disconnected", zap.Error(err))
			} else {
				n.log.Warn("disconnected")
			}
			n.hub.failPending(ErrNotConnected)
			n.hub.setStatus(StatusReconnecting)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			if n.owns(nc) {
				n.log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
				n.hub.setStatus(StatusConnected)
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			n.log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		n.hub.setStatus(StatusDisconnected)
		return fmt.Errorf("transport: nats connect: %w", err)
	}

	sub, err := nc.Subscribe(n.cfg.InboundSubject(), func(msg *nats.Msg) {
		f, err := protocol.ParseFrame(msg.Data)
		if err != nil {
			n.log.Warn("dropping malformed frame", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		n.hub.dispatch(f)
	})
	if err != nil {
		nc.Close()
		n.hub.setStatus(StatusDisconnected)
		return fmt.Errorf("transport: nats subscribe %s: %w", n.cfg.InboundSubject(), err)
	}

	n.mu.Lock()
	n.conn = nc
	n.sub = sub
	n.credential = credential
	n.mu.Unlock()

	if nc.IsConnected() {
		n.hub.setStatus(StatusConnected)
	}
	return nil
}

// Disconnect unsubscribes and closes the connection.
func (n *NATS) Disconnect() error {
	n.lifecycle.Lock()
	defer n.lifecycle.Unlock()

	n.close()
	n.hub.setStatus(StatusDisconnected)
	return nil
}

// close drops the current connection. Its handlers stop reporting once it is
// no longer owned. Caller holds n.lifecycle.
func (n *NATS) close() {
	n.mu.Lock()
	nc, sub := n.conn, n.sub
	n.conn, n.sub, n.credential = nil, nil, ""
	n.mu.Unlock()

	if nc == nil {
		return
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			n.log.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	nc.Close()
	n.hub.failPending(ErrNotConnected)
}

func (n *NATS) owns(nc *nats.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	// During Connect the handlers can fire before n.conn is stored; Connect
	// re-checks IsConnected afterwards.
	return n.conn == nc
}

func (n *NATS) live() *nats.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil || !n.conn.IsConnected() {
		return nil
	}
	return n.conn
}

// Status returns the current connection status.
func (n *NATS) Status() Status { return n.hub.current() }

// On subscribes h to an inbound event.
func (n *NATS) On(event string, h Handler) func() { return n.hub.on(event, h) }

// OnStatus subscribes to status transitions.
func (n *NATS) OnStatus(fn func(Status)) func() { return n.hub.onStatus(fn) }

// Emit publishes a fire-and-forget frame on the command subject. Frames are
// rejected while reconnecting instead of landing in nats.go's reconnect buffer.
func (n *NATS) Emit(event string, payload interface{}) error {
	nc := n.live()
	if nc == nil {
		return ErrNotConnected
	}
	data, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	if err := nc.Publish(n.cfg.CommandSubject(), data); err != nil {
		return fmt.Errorf("transport: nats publish %s: %w", event, err)
	}
	return nil
}

// EmitAck sends a request on the command subject; the reply is an ack frame.
func (n *NATS) EmitAck(ctx context.Context, event string, payload interface{}) <-chan AckResult {
	nc := n.live()
	if nc == nil {
		metrics.AckFailures.WithLabelValues("not_connected").Inc()
		return failed(ErrNotConnected)
	}

	// The ack id is carried in the frame for symmetry with the websocket
	// transport; correlation itself rides on the NATS reply inbox.
	data, err := protocol.NewFrame(event, uuid.NewString(), payload)
	if err != nil {
		return failed(err)
	}

	out := make(chan AckResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, n.cfg.AckTimeout)
		defer cancel()

		start := time.Now()
		msg, err := nc.RequestWithContext(ctx, n.cfg.CommandSubject(), data)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				err = ErrAckTimeout
			} else if !errors.Is(err, context.Canceled) {
				err = fmt.Errorf("transport: nats request %s: %w", event, err)
			}
			metrics.AckFailures.WithLabelValues(failureReason(err)).Inc()
			out <- AckResult{Err: err}
			return
		}
		f, err := protocol.ParseFrame(msg.Data)
		if err != nil {
			metrics.AckFailures.WithLabelValues("write").Inc()
			out <- AckResult{Err: err}
			return
		}
		r := ackResult(f)
		if r.Err != nil {
			metrics.AckFailures.WithLabelValues("remote").Inc()
		} else {
			metrics.AckLatency.Observe(time.Since(start).Seconds())
		}
		out <- r
	}()
	return out
}
