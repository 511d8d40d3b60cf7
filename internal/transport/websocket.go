package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/protocol"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 25s)
	Timeout  time.Duration // extra silence tolerated after a ping (default: 10s)
}

// BackoffConfig bounds the reconnect delay.
type BackoffConfig struct {
	Initial time.Duration // default: 500ms
	Max     time.Duration // default: 30s
}

// Config holds websocket client settings.
type Config struct {
	URL           string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	AckTimeout    time.Duration
	MaxFrameBytes int64 // larger inbound messages are discarded
	Heartbeat     HeartbeatConfig
	Backoff       BackoffConfig
}

// DefaultMaxFrameBytes caps a single inbound message.
const DefaultMaxFrameBytes = 1 << 20

// DefaultConfig returns sensible defaults for the websocket client.
func DefaultConfig() Config {
	return Config{
		URL:           "ws://localhost:8080/ws",
		DialTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		AckTimeout:    10 * time.Second,
		MaxFrameBytes: DefaultMaxFrameBytes,
		Heartbeat: HeartbeatConfig{
			Interval: 25 * time.Second,
			Timeout:  10 * time.Second,
		},
		Backoff: BackoffConfig{
			Initial: 500 * time.Millisecond,
			Max:     30 * time.Second,
		},
	}
}

// WebSocket is a Transport over a single gobwas/ws client connection.
type WebSocket struct {
	cfg Config
	hub *hub
	log *zap.Logger

	lifecycle sync.Mutex // serializes Connect and Disconnect

	mu         sync.Mutex
	credential string
	cancel     context.CancelFunc
	done       chan struct{} // closed when the run loop exits
	conn       *wsConn
}

var _ Transport = (*WebSocket)(nil)

// NewWebSocket creates a disconnected websocket transport.
func NewWebSocket(cfg Config, log *zap.Logger) *WebSocket {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocket{cfg: cfg, hub: newHub(log), log: log}
}

// wsConn is one live connection with a write mutex serializing outbound
// frames, heartbeat pings and control replies.
type wsConn struct {
	net.Conn
	src          io.Reader // buffered handshake remainder, then the conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *wsConn) writeMessage(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadlineLocked()
	return wsutil.WriteClientMessage(c.Conn, op, data)
}

// writeRaw writes an already encoded frame.
func (c *wsConn) writeRaw(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.deadlineLocked()
	_, err := c.Conn.Write(p)
	return err
}

func (c *wsConn) deadlineLocked() {
	if c.writeTimeout > 0 {
		c.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect starts the dial loop for credential.
func (w *WebSocket) Connect(ctx context.Context, credential string) error {
	if credential == "" {
		return ErrEmptyCredential
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transport: connect: %w", err)
	}

	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.mu.Lock()
	if w.cancel != nil && w.credential == credential {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	w.stop()

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.mu.Lock()
	w.credential = credential
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	w.hub.setStatus(StatusConnecting)
	go w.run(runCtx, credential, done)
	return nil
}

// Disconnect stops the dial loop and closes the live connection.
func (w *WebSocket) Disconnect() error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	w.stop()
	w.hub.setStatus(StatusDisconnected)
	return nil
}

// stop cancels the run loop and waits for it. Caller holds w.lifecycle.
func (w *WebSocket) stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done, w.credential = nil, nil, ""
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.hub.failPending(ErrNotConnected)
}

// Status returns the current connection status.
func (w *WebSocket) Status() Status { return w.hub.current() }

// On subscribes h to an inbound event.
func (w *WebSocket) On(event string, h Handler) func() { return w.hub.on(event, h) }

// OnStatus subscribes to status transitions.
func (w *WebSocket) OnStatus(fn func(Status)) func() { return w.hub.onStatus(fn) }

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Emit sends a fire-and-forget frame on the live connection.
func (w *WebSocket) Emit(event string, payload interface{}) error {
	conn := w.live()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.NewFrame(event, "", payload)
	if err != nil {
		return err
	}
	if err := conn.writeMessage(ws.OpText, data); err != nil {
		return fmt.Errorf("transport: emit %s: %w", event, err)
	}
	return nil
}

// EmitAck sends a frame carrying an ack id and waits for the server's reply.
func (w *WebSocket) EmitAck(ctx context.Context, event string, payload interface{}) <-chan AckResult {
	if w.live() == nil {
		return failed(ErrNotConnected)
	}
	return w.hub.emitAck(ctx, w.cfg.AckTimeout, event, payload, func(data []byte) error {
		conn := w.live()
		if conn == nil {
			return ErrNotConnected
		}
		if err := conn.writeMessage(ws.OpText, data); err != nil {
			return fmt.Errorf("transport: emit %s: %w", event, err)
		}
		return nil
	})
}

func (w *WebSocket) live() *wsConn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WebSocket) setLive(c *wsConn) {
	w.mu.Lock()
	w.conn = c
	w.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

// run dials, serves and re-dials with exponential backoff until ctx is done.
func (w *WebSocket) run(ctx context.Context, credential string, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.Backoff.Initial
	b.MaxInterval = w.cfg.Backoff.Max
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		conn, err := w.dial(ctx, credential)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			w.log.Warn("dial failed", zap.String("url", w.cfg.URL), zap.Duration("retry_in", wait), zap.Error(err))
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		b.Reset()
		w.setLive(conn)
		w.hub.setStatus(StatusConnected)

		err = w.serve(ctx, conn)

		w.setLive(nil)
		conn.Close()
		w.hub.failPending(ErrNotConnected)
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("connection lost", zap.Error(err))
		w.hub.setStatus(StatusReconnecting)
	}
}

func (w *WebSocket) dial(ctx context.Context, credential string) (*wsConn, error) {
	d := ws.Dialer{
		Timeout: w.cfg.DialTimeout,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + credential},
		}),
	}
	conn, br, _, err := d.Dial(ctx, w.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	c := &wsConn{Conn: conn, src: conn, writeTimeout: w.cfg.WriteTimeout}
	if br != nil {
		// The server wrote frames right behind the handshake response.
		c.src = io.MultiReader(br, conn)
	}
	return c, nil
}

// serve reads frames until the connection fails or ctx is cancelled. A
// heartbeat goroutine pings the server; any inbound frame, pongs included,
// refreshes the read deadline.
func (w *WebSocket) serve(ctx context.Context, conn *wsConn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			conn.writeMessage(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
			conn.Close()
		case <-stop:
		}
	}()
	go w.heartbeat(conn, stop)

	control := func(hdr ws.Header, r io.Reader) error {
		var reply bytes.Buffer
		err := wsutil.ControlFrameHandler(&reply, ws.StateClientSide)(hdr, r)
		if reply.Len() > 0 {
			if werr := conn.writeRaw(reply.Bytes()); werr != nil && err == nil {
				err = werr
			}
		}
		return err
	}
	rd := &wsutil.Reader{
		Source:         conn.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	limit := w.cfg.MaxFrameBytes
	if limit <= 0 {
		limit = DefaultMaxFrameBytes
	}
	silence := w.cfg.Heartbeat.Interval + w.cfg.Heartbeat.Timeout
	for {
		if silence > 0 {
			conn.SetReadDeadline(time.Now().Add(silence))
		}
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		data, err := io.ReadAll(io.LimitReader(rd, limit+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > limit {
			w.log.Warn("dropping oversized frame", zap.Int64("limit", limit))
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}
		w.handle(data)
	}
}

func (w *WebSocket) handle(data []byte) {
	f, err := protocol.ParseFrame(data)
	if err != nil {
		w.log.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
		return
	}
	w.hub.dispatch(f)
}

// heartbeat sends protocol-level ping frames until stop is closed. A failed
// ping closes the connection, which ends serve's read.
func (w *WebSocket) heartbeat(conn *wsConn, stop <-chan struct{}) {
	if w.cfg.Heartbeat.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.writeMessage(ws.OpPing, nil); err != nil {
				w.log.Warn("heartbeat ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}
