package swapsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format of every websocket frame in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// SubscribePayload asks the server to start a filtered feed.
type SubscribePayload struct {
	Topic  string `json:"topic"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ChangePayload carries one change event for a topic.
type ChangePayload struct {
	Topic string      `json:"topic"`
	Event ChangeEvent `json:"event"`
}

// ErrorPayload is a server error, optionally scoped to one topic.
type ErrorPayload struct {
	Topic   string `json:"topic,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	frameAuthenticated = "authenticated"
	frameSubscribe     = "subscribe"
	frameSubscribed    = "subscribed"
	frameUnsubscribe   = "unsubscribe"
	frameChange        = "change"
	frameError         = "error"
	framePing          = "ping"
	framePong          = "pong"

	codeAuthExpired = "auth_expired"
)

// ============================================================================
// WSSource
// ============================================================================

// WSSource multiplexes every topic over one websocket. The socket is dialed
// on the first Open and redialed on the next Open after it drops; when it
// drops every open feed is failed once.
type WSSource struct {
	client    *Client
	endpoint  string
	heartbeat time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	feeds   map[string]*wsFeed
	pending map[string]chan Envelope
	counter int
	closed  bool
}

type wsFeed struct {
	src     *WSSource
	conn    *websocket.Conn
	topic   Topic
	deliver DeliverFunc
	fail    FailFunc
	once    sync.Once
}

// WSOption configures a WSSource.
type WSOption func(*WSSource)

// WithHeartbeat sets the ping interval. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) WSOption {
	return func(s *WSSource) { s.heartbeat = d }
}

// WithEndpoint dials base instead of the client's base URL. base may use
// the http, https, ws or wss scheme.
func WithEndpoint(base string) WSOption {
	return func(s *WSSource) { s.endpoint = strings.TrimRight(base, "/") }
}

// WithSourceLogger sets the source logger.
func WithSourceLogger(log *zap.Logger) WSOption {
	return func(s *WSSource) {
		if log != nil {
			s.log = log
		}
	}
}

// NewWSSource creates a websocket source authenticated with client's token.
func NewWSSource(client *Client, opts ...WSOption) *WSSource {
	s := &WSSource{
		client:    client,
		heartbeat: 25 * time.Second,
		log:       client.Logger(),
		feeds:     make(map[string]*wsFeed),
		pending:   make(map[string]chan Envelope),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WSSource) url() string {
	base := s.client.BaseURL()
	if s.endpoint != "" {
		base = s.endpoint
	}
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime?token=" + url.QueryEscape(s.client.Token())
}

// Open subscribes topic and waits for the server acknowledgement.
func (s *WSSource) Open(ctx context.Context, topic Topic, deliver DeliverFunc, fail FailFunc) (SourceHandle, error) {
	conn, err := s.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	feed := &wsFeed{src: s, conn: conn, topic: topic, deliver: deliver, fail: fail}
	s.mu.Lock()
	// A feed left over from an earlier handshake is replaced silently.
	s.feeds[topic.Name] = feed
	s.mu.Unlock()

	ack, err := s.request(ctx, conn, frameSubscribe, SubscribePayload{
		Topic:  topic.Name,
		Schema: SchemaPublic,
		Table:  topic.Table,
		Filter: topic.Filter.String(),
	})
	if err == nil && ack.Type == frameError {
		err = errorFromPayload(ack.Payload)
	}
	if err != nil {
		s.mu.Lock()
		if s.feeds[topic.Name] == feed {
			delete(s.feeds, topic.Name)
		}
		s.mu.Unlock()
		return nil, err
	}
	return feed, nil
}

// Close drops the socket and fails every open feed with ErrSourceClosed.
func (s *WSSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.teardown(nil, ErrSourceClosed)
	return nil
}

func (s *WSSource) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSourceClosed
	}
	if s.conn != nil {
		conn := s.conn
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	conn, resp, err := websocket.Dial(ctx, s.url(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthExpiredError{Reason: "realtime handshake rejected"}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		if env.Type == frameError {
			return nil, errorFromPayload(env.Payload)
		}
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "source closed")
		return nil, ErrSourceClosed
	}
	if s.conn != nil {
		// Lost a dial race; keep the winner.
		winner := s.conn
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "duplicate")
		return winner, nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Debug("realtime socket connected")
	go s.readLoop(connCtx, conn)
	if s.heartbeat > 0 {
		go s.heartbeatLoop(connCtx, conn)
	}
	return conn, nil
}

func (s *WSSource) send(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// request sends a command and waits for the reply carrying the same request id.
func (s *WSSource) request(ctx context.Context, conn *websocket.Conn, typ string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	s.mu.Lock()
	s.counter++
	reqID := fmt.Sprintf("%s-%d", typ, s.counter)
	ch := make(chan Envelope, 1)
	s.pending[reqID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, reqID)
		s.mu.Unlock()
	}()

	if err := s.send(ctx, conn, Envelope{Type: typ, Payload: raw, RequestID: reqID}); err != nil {
		return Envelope{}, err
	}
	select {
	case env, ok := <-ch:
		if !ok {
			return Envelope{}, errors.New("connection closed")
		}
		return env, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (s *WSSource) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.teardown(conn, err)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.RequestID != "" {
			s.mu.Lock()
			ch, ok := s.pending[env.RequestID]
			if ok {
				delete(s.pending, env.RequestID)
			}
			s.mu.Unlock()
			if ok {
				ch <- env
				continue
			}
		}

		switch env.Type {
		case frameChange:
			var p ChangePayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			s.mu.Lock()
			feed := s.feeds[p.Topic]
			s.mu.Unlock()
			if feed != nil && feed.conn == conn {
				feed.deliver(p.Event)
			}
		case frameError:
			var p ErrorPayload
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			if p.Code == codeAuthExpired {
				s.teardown(conn, &AuthExpiredError{Reason: p.Message})
				return
			}
			if p.Topic != "" {
				s.mu.Lock()
				feed := s.feeds[p.Topic]
				if feed != nil && feed.conn == conn {
					delete(s.feeds, p.Topic)
				}
				s.mu.Unlock()
				if feed != nil && feed.conn == conn {
					feed.once.Do(func() { feed.fail(errors.New(p.Code + ": " + p.Message)) })
				}
			}
		}
	}
}

func (s *WSSource) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := s.request(pingCtx, conn, framePing, struct{}{})
			cancel()
			if err != nil && ctx.Err() == nil {
				s.log.Warn("realtime heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// teardown forgets conn (or the current socket when conn is nil) and fails
// its feeds with cause.
func (s *WSSource) teardown(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if conn == nil {
		conn = s.conn
	}
	if conn == nil || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var failed []*wsFeed
	for name, f := range s.feeds {
		if f.conn == conn {
			failed = append(failed, f)
			delete(s.feeds, name)
		}
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	conn.Close(websocket.StatusNormalClosure, "")
	if len(failed) > 0 {
		s.log.Warn("realtime socket lost", zap.Int("feeds", len(failed)), zap.Error(cause))
	}
	for _, f := range failed {
		f := f
		f.once.Do(func() { f.fail(cause) })
	}
}

func (f *wsFeed) Close() error {
	s := f.src
	s.mu.Lock()
	mine := s.feeds[f.topic.Name] == f
	if mine {
		delete(s.feeds, f.topic.Name)
	}
	live := s.conn == f.conn
	s.mu.Unlock()
	f.once.Do(func() {})

	if !mine || !live {
		return nil
	}
	raw, _ := json.Marshal(SubscribePayload{Topic: f.topic.Name, Schema: SchemaPublic, Table: f.topic.Table})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.send(ctx, f.conn, Envelope{Type: frameUnsubscribe, Payload: raw})
}

func errorFromPayload(raw json.RawMessage) error {
	var p ErrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return errors.New("malformed error frame")
	}
	if p.Code == codeAuthExpired {
		return &AuthExpiredError{Reason: p.Message}
	}
	return errors.New(p.Code + ": " + p.Message)
}
