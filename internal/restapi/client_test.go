package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper/workchat/internal/chat"
)

func newClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL + "/api"
	cfg.Breaker = BreakerConfig{MaxFailures: 2, Interval: time.Minute, Timeout: time.Minute}
	c, err := New(cfg, "tok", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestConversationsSendsBearer(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer credential, got %q", got)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"conversations": []chat.Conversation{{ID: "c1", Type: chat.Direct}, {ID: "c2", Type: chat.Group}},
		})
	})

	convs, err := c.Conversations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 2 || convs[1].ID != "c2" {
		t.Fatalf("unexpected conversations %+v", convs)
	}
}

func TestArchivedConversationsAreFlagged(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": []chat.Conversation{{ID: "c9"}}})
	})
	convs, err := c.ArchivedConversations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 1 || !convs[0].Archived {
		t.Fatalf("expected archived flag set, got %+v", convs)
	}
}

func TestMessagesQueryAndOwnership(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/c1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("before") != "cur-1" || r.URL.Query().Get("limit") != "30" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, MessagePage{
			Messages:   []chat.Message{{ID: "m1"}, {ID: "m2"}},
			HasMore:    true,
			NextCursor: "cur-2",
		})
	})

	page, err := c.Messages(context.Background(), "c1", "cur-1", 30)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !page.HasMore || page.NextCursor != "cur-2" || len(page.Messages) != 2 {
		t.Fatalf("unexpected page %+v", page)
	}
	for _, m := range page.Messages {
		if m.ConversationID != "c1" {
			t.Fatalf("expected conversation id filled in, got %q", m.ConversationID)
		}
	}
}

func TestAPIErrorCarriesServerMessage(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "only admins can add members"})
	})

	err := c.AddMembers(context.Background(), "g1", []string{"u3"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "only admins can add members" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such conversation"})
	})
	for i := 0; i < 5; i++ {
		_, err := c.Conversation(context.Background(), "missing")
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("attempt %d: expected APIError, got %v", i, err)
		}
	}
}

func TestServerErrorsOpenBreaker(t *testing.T) {
	var calls int32
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusBadGateway)
	})

	for i := 0; i < 2; i++ {
		if _, err := c.Employees(context.Background()); errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: breaker opened too early", i)
		}
	}
	if _, err := c.Employees(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable once the breaker is open, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected the open breaker to short-circuit, server saw %d calls", n)
	}
}

func TestUploadAttachmentMultipart(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("expected multipart body, got %q", r.Header.Get("Content-Type"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "PDFDATA" || hdr.Filename != "payslip.pdf" {
			t.Errorf("unexpected upload %q %q", hdr.Filename, data)
		}
		writeJSON(w, http.StatusCreated, chat.Attachment{URL: "https://files/1", Type: "application/pdf"})
	})

	att, err := c.UploadAttachment(context.Background(), "payslip.pdf", strings.NewReader("PDFDATA"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if att.URL != "https://files/1" || att.Name != "payslip.pdf" {
		t.Fatalf("unexpected attachment %+v", att)
	}
}

func TestMutationsUseExpectedRoutes(t *testing.T) {
	type call struct{ method, path string }
	var (
		mu  sync.Mutex
		got []call
	)
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, call{r.Method, r.URL.Path})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	c.SetArchived(ctx, "c1", true)
	c.RemoveMember(ctx, "g1", "u2")
	c.PromoteAdmin(ctx, "g1", "u3")
	c.LeaveGroup(ctx, "g1")
	c.DeleteConversation(ctx, "c1")

	mu.Lock()
	defer mu.Unlock()
	want := []call{
		{http.MethodPut, "/api/conversations/c1/archive"},
		{http.MethodDelete, "/api/conversations/g1/members/u2"},
		{http.MethodPost, "/api/conversations/g1/admins"},
		{http.MethodPost, "/api/conversations/g1/leave"},
		{http.MethodDelete, "/api/conversations/c1"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}
