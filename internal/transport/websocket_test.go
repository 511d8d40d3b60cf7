package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/workchat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test server
// ---------------------------------------------------------------------------

type testServer struct {
	*httptest.Server

	mu      sync.Mutex
	conns   []net.Conn
	auth    []string
	frames  chan protocol.Frame
	welcome []byte                                // written right after the upgrade
	reply   func(f protocol.Frame) ([]byte, bool) // answer to a client frame
}

func newTestServer(t *testing.T, welcome []byte, reply func(protocol.Frame) ([]byte, bool)) *testServer {
	t.Helper()
	s := &testServer{frames: make(chan protocol.Frame, 64), welcome: welcome, reply: reply}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		welcome, reply := s.welcome, s.reply
		s.mu.Unlock()

		if welcome != nil {
			wsutil.WriteServerMessage(conn, ws.OpText, welcome)
		}
		go func() {
			defer conn.Close()
			for {
				data, op, err := wsutil.ReadClientData(conn)
				if err != nil {
					return
				}
				if op != ws.OpText {
					continue
				}
				f, err := protocol.ParseFrame(data)
				if err != nil {
					continue
				}
				s.frames <- f
				if reply != nil {
					if out, ok := reply(f); ok {
						wsutil.WriteServerMessage(conn, ws.OpText, out)
					}
				}
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// dropAll closes every server-side connection.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.AckTimeout = time.Second
	cfg.Backoff = BackoffConfig{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	return cfg
}

func watchStatus(tr Transport) <-chan Status {
	ch := make(chan Status, 32)
	tr.OnStatus(func(s Status) { ch <- s })
	return ch
}

func waitStatus(t *testing.T, ch <-chan Status, want Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %q", want)
		}
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestWebSocketConnectReceivesAndEmits(t *testing.T) {
	welcome, _ := protocol.NewFrame(protocol.EventPresenceOnlineUsers, "", protocol.OnlineUsersPayload{Users: []string{"u1", "u2"}})
	srv := newTestServer(t, welcome, nil)

	tr := NewWebSocket(testConfig(srv.url()), nil)
	got := make(chan protocol.OnlineUsersPayload, 1)
	tr.On(protocol.EventPresenceOnlineUsers, func(data json.RawMessage) {
		var p protocol.OnlineUsersPayload
		if err := json.Unmarshal(data, &p); err == nil {
			got <- p
		}
	})
	statuses := watchStatus(tr)

	if err := tr.Connect(context.Background(), "tok-1"); err != nil {
		t.Fatalf("unexpected connect error: %v", err)
	}
	defer tr.Disconnect()
	waitStatus(t, statuses, StatusConnected)

	select {
	case p := <-got:
		if len(p.Users) != 2 {
			t.Fatalf("expected 2 online users, got %v", p.Users)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected the welcome frame to be dispatched")
	}

	if err := tr.Emit(protocol.EventTypingStart, protocol.ConversationRefPayload{ConversationID: "c1"}); err != nil {
		t.Fatalf("unexpected emit error: %v", err)
	}
	select {
	case f := <-srv.frames:
		if f.Event != protocol.EventTypingStart || f.Ack != "" {
			t.Fatalf("unexpected frame %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected the server to receive the frame")
	}

	srv.mu.Lock()
	auth := srv.auth[0]
	srv.mu.Unlock()
	if auth != "Bearer tok-1" {
		t.Fatalf("expected bearer credential, got %q", auth)
	}
}

func TestWebSocketEmitAck(t *testing.T) {
	srv := newTestServer(t, nil, func(f protocol.Frame) ([]byte, bool) {
		if f.Ack == "" {
			return nil, false
		}
		if f.Event == protocol.EventMessageEdit {
			out, _ := protocol.NewAckFrame(f.Ack, nil, &protocol.FrameError{Code: "forbidden", Message: "not the author"})
			return out, true
		}
		out, _ := protocol.NewAckFrame(f.Ack, protocol.SendAck{MessageID: "m1"}, nil)
		return out, true
	})

	tr := NewWebSocket(testConfig(srv.url()), nil)
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	defer tr.Disconnect()
	waitStatus(t, statuses, StatusConnected)

	r := <-tr.EmitAck(context.Background(), protocol.EventMessageSend, protocol.SendMessagePayload{ConversationID: "c1", Content: "hello"})
	if r.Err != nil {
		t.Fatalf("unexpected ack error: %v", r.Err)
	}
	var ack protocol.SendAck
	if err := json.Unmarshal(r.Data, &ack); err != nil || ack.MessageID != "m1" {
		t.Fatalf("expected messageId m1, got %s (%v)", r.Data, err)
	}

	r = <-tr.EmitAck(context.Background(), protocol.EventMessageEdit, protocol.EditMessagePayload{MessageID: "m1"})
	var remote *RemoteError
	if !errors.As(r.Err, &remote) || remote.Code != "forbidden" {
		t.Fatalf("expected forbidden RemoteError, got %v", r.Err)
	}
}

func TestWebSocketDropsOversizedFrame(t *testing.T) {
	users := make([]string, 64)
	for i := range users {
		users[i] = "user-with-a-long-identifier"
	}
	welcome, _ := protocol.NewFrame(protocol.EventPresenceOnlineUsers, "", protocol.OnlineUsersPayload{Users: users})
	srv := newTestServer(t, welcome, func(f protocol.Frame) ([]byte, bool) {
		out, _ := protocol.NewAckFrame(f.Ack, nil, nil)
		return out, f.Ack != ""
	})

	cfg := testConfig(srv.url())
	cfg.MaxFrameBytes = 256
	tr := NewWebSocket(cfg, nil)
	dispatched := make(chan struct{}, 1)
	tr.On(protocol.EventPresenceOnlineUsers, func(json.RawMessage) { dispatched <- struct{}{} })
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	defer tr.Disconnect()
	waitStatus(t, statuses, StatusConnected)

	// The connection survives: the ack is read after the oversized frame.
	r := <-tr.EmitAck(context.Background(), protocol.EventMessagePin, protocol.PinMessagePayload{MessageID: "m1", Pinned: true})
	if r.Err != nil {
		t.Fatalf("unexpected ack error: %v", r.Err)
	}
	select {
	case <-dispatched:
		t.Fatal("expected the oversized frame to be dropped")
	default:
	}
	if n := srv.connCount(); n != 1 {
		t.Fatalf("expected a single connection, got %d", n)
	}
}

func TestWebSocketAckTimeout(t *testing.T) {
	srv := newTestServer(t, nil, nil) // never replies

	cfg := testConfig(srv.url())
	cfg.AckTimeout = 100 * time.Millisecond
	tr := NewWebSocket(cfg, nil)
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	defer tr.Disconnect()
	waitStatus(t, statuses, StatusConnected)

	select {
	case r := <-tr.EmitAck(context.Background(), protocol.EventMessageSend, nil):
		if !errors.Is(r.Err, ErrAckTimeout) {
			t.Fatalf("expected ErrAckTimeout, got %v", r.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected the ack channel to resolve")
	}
}

func TestWebSocketEmitWhileDisconnected(t *testing.T) {
	tr := NewWebSocket(DefaultConfig(), nil)
	if err := tr.Emit(protocol.EventTypingStart, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	r := <-tr.EmitAck(context.Background(), protocol.EventMessageSend, nil)
	if !errors.Is(r.Err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", r.Err)
	}
	if err := tr.Connect(context.Background(), ""); !errors.Is(err, ErrEmptyCredential) {
		t.Fatalf("expected ErrEmptyCredential, got %v", err)
	}
}

func TestWebSocketReconnectsAfterDrop(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	tr := NewWebSocket(testConfig(srv.url()), nil)
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	defer tr.Disconnect()
	waitStatus(t, statuses, StatusConnected)

	srv.dropAll()
	waitStatus(t, statuses, StatusReconnecting)
	waitStatus(t, statuses, StatusConnected)

	if n := srv.connCount(); n != 2 {
		t.Fatalf("expected 2 connections after reconnect, got %d", n)
	}
}

func TestWebSocketConnectIsIdempotent(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	tr := NewWebSocket(testConfig(srv.url()), nil)
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	waitStatus(t, statuses, StatusConnected)
	tr.Connect(context.Background(), "tok")

	time.Sleep(50 * time.Millisecond)
	if n := srv.connCount(); n != 1 {
		t.Fatalf("expected a single connection, got %d", n)
	}

	tr.Disconnect()
	if tr.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %q", tr.Status())
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("expected second Disconnect to be safe, got %v", err)
	}
}

func TestWebSocketHeartbeatKeepsIdleConnection(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	cfg := testConfig(srv.url())
	cfg.Heartbeat = HeartbeatConfig{Interval: 30 * time.Millisecond, Timeout: 60 * time.Millisecond}

	tr := NewWebSocket(cfg, nil)
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	defer tr.Disconnect()
	waitStatus(t, statuses, StatusConnected)

	// The server sends nothing but pongs; they must keep the read deadline fresh.
	time.Sleep(400 * time.Millisecond)
	select {
	case s := <-statuses:
		t.Fatalf("expected the idle connection to stay up, got status %q", s)
	default:
	}
	if tr.Status() != StatusConnected {
		t.Fatalf("expected connected, got %q", tr.Status())
	}
}

func TestDisconnectFailsPendingAcks(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	tr := NewWebSocket(testConfig(srv.url()), nil)
	statuses := watchStatus(tr)
	tr.Connect(context.Background(), "tok")
	waitStatus(t, statuses, StatusConnected)

	ch := tr.EmitAck(context.Background(), protocol.EventMessageSend, nil)
	<-srv.frames
	tr.Disconnect()

	select {
	case r := <-ch:
		if !errors.Is(r.Err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", r.Err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected the pending ack to fail")
	}
}
