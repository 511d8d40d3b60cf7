package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/whisper/workchat/internal/chat"
	"github.com/whisper/workchat/internal/outbound"
	"github.com/whisper/workchat/internal/protocol"
	"github.com/whisper/workchat/internal/reconcile"
	"github.com/whisper/workchat/internal/restapi"
	"github.com/whisper/workchat/internal/transport"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubBackend struct {
	searched string
	created  []string
}

func (s *stubBackend) Conversations(context.Context) ([]chat.Conversation, error) {
	return []chat.Conversation{
		{ID: "c1", Type: chat.Group, Name: "Payroll", Participants: []string{"me", "u2"}, UpdatedAt: base},
	}, nil
}

func (s *stubBackend) ArchivedConversations(context.Context) ([]chat.Conversation, error) {
	return nil, nil
}

func (s *stubBackend) Conversation(_ context.Context, id string) (chat.Conversation, error) {
	return chat.Conversation{}, &restapi.APIError{Status: 404, Message: "not found"}
}

func (s *stubBackend) Messages(_ context.Context, conv, before string, limit int) (restapi.MessagePage, error) {
	if before != "" {
		return restapi.MessagePage{}, nil
	}
	return restapi.MessagePage{Messages: []chat.Message{
		{ID: "m1", ConversationID: conv, Sender: chat.User{ID: "u2", Name: "Ana"}, Content: "payslips are out", Type: chat.TypeText, Status: chat.StatusSent, CreatedAt: base},
	}}, nil
}

func (s *stubBackend) SearchMessages(_ context.Context, query, conv string) ([]chat.Message, error) {
	s.searched = query
	return []chat.Message{{ID: "r1", Sender: chat.User{Name: "Ana"}, Content: "rest hit", CreatedAt: base}}, nil
}

func (s *stubBackend) Employees(context.Context) ([]chat.User, error) {
	return []chat.User{{ID: "u2", Name: "Ana"}}, nil
}

func (s *stubBackend) CreateDirect(_ context.Context, userID string) (chat.Conversation, error) {
	s.created = append(s.created, userID)
	return chat.Conversation{ID: "d-" + userID, Type: chat.Direct, Participants: []string{"me", userID}, UpdatedAt: base}, nil
}

func (s *stubBackend) CreateGroup(_ context.Context, name string, members []string) (chat.Conversation, error) {
	s.created = append(s.created, name)
	return chat.Conversation{ID: "g-" + name, Type: chat.Group, Name: name, Participants: members, UpdatedAt: base}, nil
}

func (s *stubBackend) DeleteConversation(context.Context, string) error   { return nil }
func (s *stubBackend) SetArchived(context.Context, string, bool) error    { return nil }
func (s *stubBackend) AddMembers(context.Context, string, []string) error { return nil }
func (s *stubBackend) RemoveMember(context.Context, string, string) error { return nil }
func (s *stubBackend) PromoteAdmin(context.Context, string, string) error { return nil }
func (s *stubBackend) LeaveGroup(context.Context, string) error           { return nil }

type stubArchive struct{ query string }

func (a *stubArchive) Search(_ context.Context, query, conv string, limit int) ([]chat.Message, error) {
	a.query = query
	return []chat.Message{{ID: "a1", Sender: chat.User{Name: "Ana"}, Content: "archived hit", CreatedAt: base}}, nil
}

func newConsole(t *testing.T) (*console, *transport.Fake, *stubBackend, *bytes.Buffer) {
	t.Helper()
	backend := &stubBackend{}
	tr := transport.NewFake()
	tr.SetResponder(func(event string, data json.RawMessage) (interface{}, error) {
		if event != protocol.EventMessageSend {
			return nil, nil
		}
		var p protocol.SendMessagePayload
		json.Unmarshal(data, &p)
		return protocol.SendAck{MessageID: "srv-1", ClientID: p.ClientID}, nil
	})
	engine := reconcile.New(tr, backend, reconcile.Options{SelfID: "me"})
	facade := outbound.New(tr, engine, nil, outbound.Options{})
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(engine.Stop)
	if err := tr.Connect(context.Background(), "token"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	engine.Wait()

	out := &bytes.Buffer{}
	c := &console{
		engine: engine,
		facade: facade,
		convs:  outbound.NewConversations(backend, engine, tr),
		api:    backend,
		status: tr.Status,
		out:    out,
	}
	return c, tr, backend, out
}

func TestConsoleOpenShowSend(t *testing.T) {
	c, tr, _, out := newConsole(t)
	ctx := context.Background()

	if err := c.exec(ctx, "send hello"); err != errNoActive {
		t.Fatalf("expected errNoActive, got %v", err)
	}
	if err := c.exec(ctx, "list"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), "c1\tPayroll") {
		t.Fatalf("expected c1 listed, got %q", out.String())
	}

	out.Reset()
	if err := c.exec(ctx, "open c1"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.exec(ctx, "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "m1 Ana: payslips are out (sent)") {
		t.Fatalf("unexpected thread output %q", out.String())
	}

	out.Reset()
	if err := c.exec(ctx, "send   see you at 3"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out.String(), "sent srv-1") {
		t.Fatalf("expected ack id, got %q", out.String())
	}
	sends := tr.EmittedEvent(protocol.EventMessageSend)
	var p protocol.SendMessagePayload
	sends[len(sends)-1].Decode(&p)
	if p.ConversationID != "c1" || p.Content != "see you at 3" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestConsoleQueuesWhileOffline(t *testing.T) {
	c, tr, _, out := newConsole(t)
	ctx := context.Background()
	c.exec(ctx, "open c1")
	tr.Drop()

	if err := c.exec(ctx, "send later"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out.String(), "queued ") {
		t.Fatalf("expected queued output, got %q", out.String())
	}
	out.Reset()
	c.exec(ctx, "status")
	if strings.TrimSpace(out.String()) == string(transport.StatusConnected) {
		t.Fatalf("expected a non-connected status, got %q", out.String())
	}
}

func TestConsoleSearchPrefersArchive(t *testing.T) {
	c, _, backend, out := newConsole(t)
	ctx := context.Background()

	c.exec(ctx, "search payslip")
	if backend.searched != "payslip" || !strings.Contains(out.String(), "rest hit") {
		t.Fatalf("expected REST search, got %q", out.String())
	}

	arch := &stubArchive{}
	c.archive = arch
	out.Reset()
	c.exec(ctx, "search payslip")
	if arch.query != "payslip" || !strings.Contains(out.String(), "archived hit") {
		t.Fatalf("expected archive search, got %q", out.String())
	}
}

func TestConsoleConversationCommands(t *testing.T) {
	c, _, backend, _ := newConsole(t)
	ctx := context.Background()

	if err := c.exec(ctx, "group Ops u2, u3"); err != nil {
		t.Fatalf("group: %v", err)
	}
	if err := c.exec(ctx, "dm u9"); err != nil {
		t.Fatalf("dm: %v", err)
	}
	if len(backend.created) != 2 {
		t.Fatalf("expected 2 creations, got %v", backend.created)
	}
	g, ok := c.engine.Conversations().Get("g-Ops")
	if !ok || len(g.Participants) != 2 {
		t.Fatalf("unexpected group %+v", g)
	}

	if err := c.exec(ctx, "archive c1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got, _ := c.engine.Conversations().Get("c1"); !got.Archived {
		t.Fatal("expected c1 archived")
	}
	if err := c.exec(ctx, "kick g-Ops"); err == nil {
		t.Fatal("expected usage error")
	}
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	c, _, _, out := newConsole(t)
	if !c.run(context.Background(), strings.NewReader("bogus\nquit\nlist\n")) {
		t.Fatal("expected quit to be reported")
	}

	if !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command error, got %q", out.String())
	}
	if strings.Contains(out.String(), "Payroll") {
		t.Fatalf("expected commands after quit ignored, got %q", out.String())
	}
}

func TestConsoleEOFIsNotQuit(t *testing.T) {
	c, _, _, out := newConsole(t)
	if c.run(context.Background(), strings.NewReader("list\n")) {
		t.Fatal("expected end of input not to request shutdown")
	}
	if c.run(context.Background(), strings.NewReader("")) {
		t.Fatal("expected empty input not to request shutdown")
	}
	if !strings.Contains(out.String(), "Payroll") {
		t.Fatalf("expected list output, got %q", out.String())
	}
}

func TestCut(t *testing.T) {
	tests := []struct {
		in, head, tail string
	}{
		{"send hi there", "send", "hi there"},
		{"  open   c1 ", "open", "c1"},
		{"list", "list", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		head, tail := cut(tt.in)
		if head != tt.head || tail != tt.tail {
			t.Errorf("cut(%q) = %q, %q; expected %q, %q", tt.in, head, tail, tt.head, tt.tail)
		}
	}
}
