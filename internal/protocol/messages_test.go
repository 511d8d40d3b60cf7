package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/workchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing an inbound message:received frame
// ---------------------------------------------------------------------------

func TestParseFrame_MessageReceived(t *testing.T) {
	input := []byte(`{"event":"message:received","data":{"id":"m1","clientId":"k1","conversationId":"c1","sender":{"id":"u2","name":"Bob"},"content":"hello","type":"text","createdAt":"2026-03-02T09:00:00Z"}}`)

	f, err := ParseFrame(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Event != EventMessageReceived {
		t.Fatalf("expected event %q, got %q", EventMessageReceived, f.Event)
	}

	var m chat.Message
	if err := Decode(f.Event, f.Data, &m); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if m.ID != "m1" || m.ClientID != "k1" || m.ConversationID != "c1" {
		t.Errorf("unexpected ids: %+v", m)
	}
	if m.Sender.Name != "Bob" || m.Content != "hello" || m.Type != chat.TypeText {
		t.Errorf("unexpected message fields: %+v", m)
	}
	if !m.CreatedAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected createdAt %v", m.CreatedAt)
	}
}

// ---------------------------------------------------------------------------
// Test: Acknowledgement frames
// ---------------------------------------------------------------------------

func TestParseFrame_Ack(t *testing.T) {
	f, err := ParseFrame([]byte(`{"event":"ack","ack":"a-1","data":{"messageId":"m9"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Ack != "a-1" || f.Error != nil {
		t.Fatalf("unexpected ack frame %+v", f)
	}
	var ack SendAck
	if err := Decode(f.Event, f.Data, &ack); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if ack.MessageID != "m9" {
		t.Errorf("expected messageId m9, got %q", ack.MessageID)
	}

	nack, err := ParseFrame([]byte(`{"event":"ack","ack":"a-2","error":{"code":"forbidden","message":"not a member"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nack.Error == nil || nack.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden error, got %+v", nack.Error)
	}
}

func TestNewAckFrame_RoundTrip(t *testing.T) {
	data, err := NewAckFrame("a-3", nil, &FrameError{Code: "invalid", Message: "bad"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := ParseFrame(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Ack != "a-3" || f.Error == nil || f.Error.Message != "bad" {
		t.Fatalf("unexpected frame %+v", f)
	}
	if len(f.Data) != 0 {
		t.Fatalf("expected no data on a nack, got %s", f.Data)
	}
}

// ---------------------------------------------------------------------------
// Test: Building outbound frames
// ---------------------------------------------------------------------------

func TestNewFrame_Send(t *testing.T) {
	payload := SendMessagePayload{ConversationID: "c1", ClientID: "k1", Content: "hello", Type: chat.TypeText}

	data, err := NewFrame(EventMessageSend, "a-1", payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal output: %v", err)
	}
	if m["event"] != EventMessageSend {
		t.Errorf("expected event %q, got %v", EventMessageSend, m["event"])
	}
	if m["ack"] != "a-1" {
		t.Errorf("expected ack a-1, got %v", m["ack"])
	}
	body, ok := m["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data object, got %T", m["data"])
	}
	if body["conversationId"] != "c1" || body["content"] != "hello" || body["type"] != "text" {
		t.Errorf("unexpected payload %v", body)
	}
	if _, ok := body["replyTo"]; ok {
		t.Error("expected empty replyTo omitted")
	}
}

func TestNewFrame_NoPayload(t *testing.T) {
	data, err := NewFrame(EventTypingStop, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"event":"typing:stop"}` {
		t.Fatalf("unexpected frame %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input
// ---------------------------------------------------------------------------

func TestParseFrame_Errors(t *testing.T) {
	cases := map[string]string{
		"invalid json":   `{not json`,
		"missing event":  `{"data":{}}`,
		"empty event":    `{"event":""}`,
		"ack without id": `{"event":"ack"}`,
	}
	for name, input := range cases {
		if _, err := ParseFrame([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	var p TypingPayload
	if err := Decode(EventTypingStarted, nil, &p); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

// ---------------------------------------------------------------------------
// Test: Payload helpers
// ---------------------------------------------------------------------------

func TestPresenceChanged_Online(t *testing.T) {
	if !(PresenceChangedPayload{Status: "online"}).Online() {
		t.Error("expected online")
	}
	if !(PresenceChangedPayload{Status: "ONLINE"}).Online() {
		t.Error("expected case-insensitive match")
	}
	if (PresenceChangedPayload{Status: "offline"}).Online() {
		t.Error("expected offline")
	}
}

func TestReactionActivity_Preview(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	p := ReactionActivityPayload{ConversationID: "c1", Emoji: "👍", ReactorName: "Ana", MessagePreview: "ship it", Timestamp: ts}

	lm := p.Preview()
	if lm.Type != chat.TypeReaction {
		t.Errorf("expected reaction type, got %q", lm.Type)
	}
	if lm.Content != `Ana reacted 👍 to "ship it"` {
		t.Errorf("unexpected preview %q", lm.Content)
	}
	if !lm.Timestamp.Equal(ts) {
		t.Errorf("expected timestamp preserved")
	}
}
