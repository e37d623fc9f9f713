// Package swapsync is the realtime client SDK of the skill-exchange
// marketplace: conversations, messages, notifications and presence kept
// consistent across reconnects, duplicate delivery and out-of-order events.
//
// Example:
//
//	client := swapsync.NewClient(token, swapsync.WithBaseURL("https://api.example.com"))
//
//	// Plain store access
//	convs, _ := client.Conversations.List(ctx)
//
//	// Realtime session
//	sess, _ := swapsync.Login(ctx, client, swapsync.NewHub(), &swapsync.SessionOptions{UserID: "u1"})
//	defer sess.Logout()
//	sess.OpenConversation(ctx, "c17")
//	sess.SendMessage(ctx, "c17", "hi")
package swapsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the durable store over authenticated HTTP.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Notifications *NotificationsClient
	Presence      *PresenceClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient creates a store client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Presence = &PresenceClient{c: c}
	return c
}

// SetToken replaces the bearer token, e.g. after the auth collaborator refreshed it.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// BaseURL returns the store base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Logger returns the client logger.
func (c *Client) Logger() *zap.Logger {
	return c.log
}

// CheckToken fails with AuthExpiredError when the token carries an exp claim
// in the past. Signatures are verified by the auth collaborator, not here.
func (c *Client) CheckToken(now time.Time) error {
	return checkTokenExpiry(c.token, now)
}

func checkTokenExpiry(token string, now time.Time) error {
	if token == "" {
		return &AuthExpiredError{Reason: "no token"}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		// Opaque tokens are accepted; the store decides.
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return &AuthExpiredError{Reason: "token expired at " + claims.ExpiresAt.Time.Format(time.RFC3339)}
	}
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (int, []byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &TransientNetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &TransientNetworkError{Op: method + " " + path, Err: err}
	}
	return resp.StatusCode, data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// do performs a request and decodes the envelope's data into out. Non-2xx
// responses and ok=false envelopes are mapped onto the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string, out interface{}) error {
	op := method + " " + path
	status, data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		c.log.Debug("store request failed", zap.String("op", op), zap.Error(err))
		return err
	}

	var res *Result
	if len(data) > 0 {
		res, err = decodeJSON[Result](data)
		if err != nil && status < 300 {
			return err
		}
	}
	if status >= 300 {
		var apiErr *APIError
		if res != nil {
			apiErr = res.Error
		}
		return classifyStatus(op, status, apiErr)
	}
	if res == nil {
		return nil
	}
	if !res.OK {
		return classifyStatus(op, http.StatusUnprocessableEntity, res.Error)
	}
	if out != nil {
		if err := res.Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", op, err)
		}
	}
	return nil
}

func paginationQuery(opts *PaginationOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if opts.Before != "" {
		q["before"] = opts.Before
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Store Sub-Clients
// ============================================================================

// ConversationsClient handles conversation rows.
type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	var out []*Conversation
	err := cv.c.do(ctx, "GET", "/api/conversations", nil, nil, &out)
	return out, err
}

// Open returns the conversation between the caller and participantID,
// creating it on first contact. Repeated calls return the same row.
func (cv *ConversationsClient) Open(ctx context.Context, participantID string) (*Conversation, error) {
	var out Conversation
	err := cv.c.do(ctx, "POST", "/api/conversations", map[string]string{"participant_id": participantID}, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID string) ([]*Message, error) {
	var out []*Message
	err := cv.c.do(ctx, "POST", "/api/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil, &out)
	return out, err
}

// MessagesClient handles message rows.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) List(ctx context.Context, conversationID string, opts *PaginationOptions) ([]*Message, error) {
	var out []*Message
	err := m.c.do(ctx, "GET", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil, paginationQuery(opts), &out)
	return out, err
}

// Send inserts a message. The returned row is authoritative and carries the
// request's client id back for correlation.
func (m *MessagesClient) Send(ctx context.Context, conversationID string, req *SendMessageRequest) (*Message, error) {
	var out Message
	err := m.c.do(ctx, "POST", "/api/conversations/"+url.PathEscape(conversationID)+"/messages", req, nil, &out)
	if err != nil {
		return nil, err
	}
	if out.ClientID == "" {
		out.ClientID = req.ClientID
	}
	out.Status = MessageConfirmed
	return &out, nil
}

// NotificationsClient handles notification rows.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context, opts *PaginationOptions) ([]*Notification, error) {
	var out []*Notification
	err := n.c.do(ctx, "GET", "/api/notifications", nil, paginationQuery(opts), &out)
	return out, err
}

func (n *NotificationsClient) MarkRead(ctx context.Context, id string) (*Notification, error) {
	var out Notification
	err := n.c.do(ctx, "POST", "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context) error {
	return n.c.do(ctx, "POST", "/api/notifications/read-all", nil, nil, nil)
}

// PresenceClient handles presence rows.
type PresenceClient struct{ c *Client }

func (p *PresenceClient) Get(ctx context.Context, userID string) (*PresenceRecord, error) {
	var out PresenceRecord
	err := p.c.do(ctx, "GET", "/api/presence/"+url.PathEscape(userID), nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Upsert writes the caller's presence row.
func (p *PresenceClient) Upsert(ctx context.Context, update *PresenceUpdate) error {
	return p.c.do(ctx, "PUT", "/api/presence", update, nil, nil)
}

// BeaconURL is the endpoint used for teardown writes.
func (p *PresenceClient) BeaconURL() string {
	return p.c.baseURL + "/api/presence/beacon"
}
