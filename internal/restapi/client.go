// Package restapi is the client for the chat server's REST collaborators:
// conversation and message fetches, conversation and group management,
// attachment upload, search and the employee directory. Every call goes
// through one circuit breaker; nothing is retried automatically.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/whisper/workchat/internal/chat"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("restapi: service temporarily unavailable")

// APIError is a non-2xx response carrying the server's message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("restapi: status %d: %s", e.Status, e.Message)
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        // consecutive failures before opening
	Interval    time.Duration // closed-state counter reset period
	Timeout     time.Duration // open-state duration before a trial request
}

// Config holds REST client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker BreakerConfig
}

// DefaultConfig returns sensible defaults for the REST client.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 15 * time.Second,
		Breaker: BreakerConfig{
			MaxFailures: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
		},
	}
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages   []chat.Message `json:"messages"`
	HasMore    bool           `json:"hasMore"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// Client is the REST collaborators client.
type Client struct {
	base *url.URL
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger

	mu         sync.RWMutex
	credential string
}

// New creates a Client for cfg.BaseURL authenticating with credential.
func New(cfg Config, credential string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("restapi: invalid base url: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "restapi",
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Client{
		base:       base,
		http:       &http.Client{Timeout: cfg.Timeout},
		cb:         gobreaker.NewCircuitBreaker(st),
		log:        log,
		credential: credential,
	}, nil
}

// SetCredential replaces the bearer credential, e.g. after re-authentication.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Conversations and messages
// ---------------------------------------------------------------------------

// Conversations fetches the active conversation list.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// ArchivedConversations fetches the archived conversation list.
func (c *Client) ArchivedConversations(ctx context.Context) ([]chat.Conversation, error) {
	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/conversations/archived", nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Conversations {
		out.Conversations[i].Archived = true
	}
	return out.Conversations, nil
}

// Conversation fetches one conversation's detail.
func (c *Client) Conversation(ctx context.Context, id string) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.getJSON(ctx, "/conversations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Messages fetches the page of messages older than before. An empty before
// fetches the newest page.
func (c *Client) Messages(ctx context.Context, conversationID, before string, limit int) (MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out MessagePage
	if err := c.getJSON(ctx, "/conversations/"+url.PathEscape(conversationID)+"/messages", q, &out); err != nil {
		return MessagePage{}, err
	}
	for i := range out.Messages {
		out.Messages[i].ConversationID = conversationID
	}
	return out, nil
}

// SearchMessages runs a server-side message search, optionally within one
// conversation.
func (c *Client) SearchMessages(ctx context.Context, query, conversationID string) ([]chat.Message, error) {
	q := url.Values{"q": []string{query}}
	if conversationID != "" {
		q.Set("conversationId", conversationID)
	}
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.getJSON(ctx, "/messages/search", q, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Employees fetches the employee directory.
func (c *Client) Employees(ctx context.Context) ([]chat.User, error) {
	var out struct {
		Employees []chat.User `json:"employees"`
	}
	if err := c.getJSON(ctx, "/employees", nil, &out); err != nil {
		return nil, err
	}
	return out.Employees, nil
}

// ---------------------------------------------------------------------------
// Conversation management
// ---------------------------------------------------------------------------

// CreateDirect opens (or returns the existing) direct conversation with userID.
func (c *Client) CreateDirect(ctx context.Context, userID string) (chat.Conversation, error) {
	var out chat.Conversation
	err := c.sendJSON(ctx, http.MethodPost, "/conversations/direct", map[string]string{"userId": userID}, &out)
	return out, err
}

// CreateGroup creates a group conversation.
func (c *Client) CreateGroup(ctx context.Context, name string, members []string) (chat.Conversation, error) {
	body := map[string]interface{}{"name": name, "members": members}
	var out chat.Conversation
	err := c.sendJSON(ctx, http.MethodPost, "/conversations/group", body, &out)
	return out, err
}

// DeleteConversation deletes a conversation for the local user.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id), nil, nil)
}

// SetArchived archives or unarchives a conversation.
func (c *Client) SetArchived(ctx context.Context, id string, archived bool) error {
	return c.sendJSON(ctx, http.MethodPut, "/conversations/"+url.PathEscape(id)+"/archive", map[string]bool{"archived": archived}, nil)
}

// AddMembers adds users to a group.
func (c *Client) AddMembers(ctx context.Context, id string, userIDs []string) error {
	return c.sendJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/members", map[string][]string{"userIds": userIDs}, nil)
}

// RemoveMember removes a user from a group.
func (c *Client) RemoveMember(ctx context.Context, id, userID string) error {
	return c.sendJSON(ctx, http.MethodDelete, "/conversations/"+url.PathEscape(id)+"/members/"+url.PathEscape(userID), nil, nil)
}

// PromoteAdmin makes a group member an admin.
func (c *Client) PromoteAdmin(ctx context.Context, id, userID string) error {
	return c.sendJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/admins", map[string]string{"userId": userID}, nil)
}

// LeaveGroup removes the local user from a group.
func (c *Client) LeaveGroup(ctx context.Context, id string) error {
	return c.sendJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(id)+"/leave", nil, nil)
}

// UploadAttachment uploads a file and returns the attachment reference to
// put in a message.
func (c *Client) UploadAttachment(ctx context.Context, name string, r io.Reader) (chat.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("restapi: upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return chat.Attachment{}, fmt.Errorf("restapi: upload: read %s: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return chat.Attachment{}, fmt.Errorf("restapi: upload: %w", err)
	}

	var out chat.Attachment
	if err := c.do(ctx, http.MethodPost, "/attachments", nil, buf.Bytes(), mw.FormDataContentType(), &out); err != nil {
		return chat.Attachment{}, err
	}
	if out.Name == "" {
		out.Name = name
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Plumbing
// ---------------------------------------------------------------------------

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, q, nil, "", out)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var raw []byte
	contentType := ""
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("restapi: %s %s: marshal: %w", method, path, err)
		}
		raw = b
		contentType = "application/json"
	}
	return c.do(ctx, method, path, nil, raw, contentType, out)
}

// do runs one request through the circuit breaker. Transport errors and 5xx
// responses count as breaker failures; 4xx responses are the caller's problem
// and do not.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, contentType string, out interface{}) error {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	c.mu.RLock()
	credential := c.credential
	c.mu.RUnlock()

	res, err := c.cb.Execute(func() (interface{}, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if credential != "" {
			req.Header.Set("Authorization", "Bearer "+credential)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			apiErr := decodeError(resp)
			if resp.StatusCode >= 500 {
				return nil, apiErr
			}
			return apiErr, nil
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.log.Warn("request blocked by circuit breaker", zap.String("method", method), zap.String("path", path))
		return ErrUnavailable
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr
		}
		return fmt.Errorf("restapi: %s %s: %w", method, path, err)
	}
	if apiErr, ok := res.(*APIError); ok {
		return apiErr
	}
	return nil
}

// decodeError reads the server's error message from {"message":..} or
// {"error":..}, falling back to the status text.
func decodeError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(raw, &body) == nil {
		msg = body.Message
		if msg == "" {
			msg = body.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
