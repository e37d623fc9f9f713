package swapsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SubscriptionStatus is the lifecycle state of a topic feed.
type SubscriptionStatus string

const (
	StatusConnecting SubscriptionStatus = "connecting"
	StatusSubscribed SubscriptionStatus = "subscribed"
	StatusError      SubscriptionStatus = "error"
	StatusTimedOut   SubscriptionStatus = "timed_out"
	StatusClosed     SubscriptionStatus = "closed"
)

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("subscription manager closed")

// StatusHandler observes subscription transitions.
type StatusHandler func(topic Topic, status SubscriptionStatus, err error)

// ============================================================================
// Manager
// ============================================================================

// Manager owns at most one live subscription per topic name. It is created
// at login and closed at logout.
type Manager struct {
	source EventSource
	config *RealtimeConfig
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[string]*Subscription
	closed   bool
	onStatus []StatusHandler

	// authCheck runs before every handshake; onExpired is called once when
	// it fails with AuthExpiredError.
	authCheck func() error
	onExpired func(error)
	expired   sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(log *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithAuthCheck installs a token check run before every handshake and the
// callback invoked when the token has expired.
func WithAuthCheck(check func() error, onExpired func(error)) ManagerOption {
	return func(m *Manager) {
		m.authCheck = check
		m.onExpired = onExpired
	}
}

// NewManager creates a subscription manager over source.
func NewManager(source EventSource, config *RealtimeConfig, opts ...ManagerOption) *Manager {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		source: source,
		config: &cfg,
		log:    zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnStatus registers a status observer.
func (m *Manager) OnStatus(h StatusHandler) {
	m.mu.Lock()
	m.onStatus = append(m.onStatus, h)
	m.mu.Unlock()
}

// Subscribe opens a feed for topic and routes its insert and update events
// to onEvent. If a subscription for topic.Name is already live, that handle
// is returned and nothing new is opened.
//
// A failed first handshake does not fail Subscribe: the handle is returned
// in error state and the supervisor retries it. Only an expired token or a
// closed manager return an error.
func (m *Manager) Subscribe(ctx context.Context, topic Topic, onEvent DeliverFunc) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if existing, ok := m.subs[topic.Name]; ok && existing.Status() != StatusClosed {
		m.mu.Unlock()
		m.log.Debug("reusing live subscription", zap.String("topic", topic.Name))
		return existing, nil
	}
	s := newSubscription(m, topic, onEvent)
	m.subs[topic.Name] = s
	m.mu.Unlock()

	if err := s.connect(ctx, m.config.SetupErrorDelay); err != nil {
		return nil, err
	}
	return s, nil
}

// Unsubscribe closes s. It is idempotent and safe while a retry is pending.
func (m *Manager) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	s.close()
}

// Lookup returns the subscription registered for topicName.
func (m *Manager) Lookup(topicName string) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[topicName]
	return s, ok
}

// Subscriptions returns a snapshot of registered subscriptions.
func (m *Manager) Subscriptions() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out
}

// Healthy reports whether every registered subscription is subscribed.
func (m *Manager) Healthy() bool {
	for _, s := range m.Subscriptions() {
		if s.Status() != StatusSubscribed {
			return false
		}
	}
	return true
}

// Close tears down every subscription and cancels pending retries.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	m.cancel()
	for _, s := range subs {
		s.close()
	}
}

func (m *Manager) forget(s *Subscription) {
	m.mu.Lock()
	if m.subs[s.topic.Name] == s {
		delete(m.subs, s.topic.Name)
	}
	m.mu.Unlock()
}

func (m *Manager) notify(topic Topic, status SubscriptionStatus, err error) {
	m.mu.Lock()
	handlers := append([]StatusHandler{}, m.onStatus...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(topic, status, err)
	}
}

func (m *Manager) checkAuth() error {
	if m.authCheck == nil {
		return nil
	}
	return m.authCheck()
}

func (m *Manager) expire(err error) {
	m.log.Warn("realtime auth expired", zap.Error(err))
	m.expired.Do(func() {
		if m.onExpired != nil {
			go m.onExpired(err)
		}
	})
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the runtime handle of one topic feed.
type Subscription struct {
	mgr     *Manager
	topic   Topic
	onEvent DeliverFunc

	mu      sync.Mutex
	status  SubscriptionStatus
	handle  SourceHandle
	gen     int
	lastErr error
	retry   retryState

	// earlyErr is a feed failure reported before Open returned.
	earlyErr error
}

func newSubscription(m *Manager, topic Topic, onEvent DeliverFunc) *Subscription {
	return &Subscription{
		mgr:     m,
		topic:   topic,
		onEvent: onEvent,
		retry:   retryState{recon: newReconnector(m.config)},
	}
}

func (s *Subscription) Topic() Topic { return s.topic }

func (s *Subscription) Status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last failure, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// connect runs one handshake. It is a no-op unless the subscription is new
// or failed, which keeps overlapping retries from opening duplicate feeds.
func (s *Subscription) connect(ctx context.Context, failFloor time.Duration) error {
	s.mu.Lock()
	switch s.status {
	case StatusClosed, StatusConnecting, StatusSubscribed:
		s.mu.Unlock()
		return nil
	}
	s.status = StatusConnecting
	s.gen++
	s.earlyErr = nil
	gen := s.gen
	s.mu.Unlock()
	s.mgr.notify(s.topic, StatusConnecting, nil)

	if err := s.mgr.checkAuth(); err != nil {
		if IsAuthExpired(err) {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.close()
			s.mgr.expire(err)
			return err
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, s.mgr.config.HandshakeTimeout)
	handle, err := s.mgr.source.Open(openCtx, s.topic, s.deliverFunc(gen), s.failFunc(gen))
	timedOut := errors.Is(openCtx.Err(), context.DeadlineExceeded)
	cancel()

	s.mu.Lock()
	if s.status == StatusClosed || gen != s.gen {
		s.mu.Unlock()
		if handle != nil {
			handle.Close()
		}
		return nil
	}
	var stale SourceHandle
	if err == nil && s.earlyErr != nil {
		// The feed broke between the acknowledgement and this commit.
		err = s.earlyErr
		failFloor = s.mgr.config.ChannelErrorDelay
		stale = handle
	}
	s.earlyErr = nil
	if err != nil {
		status := StatusError
		if timedOut {
			status = StatusTimedOut
		}
		s.status = status
		s.lastErr = &TransientNetworkError{Op: "subscribe " + s.topic.Name, Err: err}
		delay, ok := s.scheduleRetryLocked(failFloor)
		lastErr := s.lastErr
		s.mu.Unlock()

		if stale != nil {
			stale.Close()
		}
		s.mgr.log.Warn("subscribe failed",
			zap.String("topic", s.topic.Name),
			zap.String("status", string(status)),
			zap.Bool("retrying", ok),
			zap.Duration("delay", delay),
			zap.Error(err))
		s.mgr.notify(s.topic, status, lastErr)
		return nil
	}
	s.handle = handle
	s.status = StatusSubscribed
	s.lastErr = nil
	s.retry.recon.markConnected()
	s.mu.Unlock()

	s.mgr.log.Debug("subscribed", zap.String("topic", s.topic.Name))
	s.mgr.notify(s.topic, StatusSubscribed, nil)
	return nil
}

func (s *Subscription) deliverFunc(gen int) DeliverFunc {
	return func(ev ChangeEvent) {
		if ev.EventType != EventInsert && ev.EventType != EventUpdate {
			return
		}
		// Events may arrive right behind the acknowledgement, before
		// connect commits the subscribed status.
		s.mu.Lock()
		live := s.gen == gen && (s.status == StatusSubscribed || s.status == StatusConnecting)
		s.mu.Unlock()
		if !live {
			return
		}
		s.onEvent(ev)
	}
}

func (s *Subscription) failFunc(gen int) FailFunc {
	return func(err error) {
		if IsAuthExpired(err) {
			s.close()
			s.mgr.expire(err)
			return
		}

		s.mu.Lock()
		if s.gen == gen && s.status == StatusConnecting {
			s.earlyErr = err
			s.mu.Unlock()
			return
		}
		if s.gen != gen || s.status != StatusSubscribed {
			s.mu.Unlock()
			return
		}
		handle := s.handle
		s.handle = nil
		s.status = StatusError
		s.lastErr = &TransientNetworkError{Op: "subscription " + s.topic.Name, Err: err}
		delay, ok := s.scheduleRetryLocked(s.mgr.config.ChannelErrorDelay)
		lastErr := s.lastErr
		s.mu.Unlock()

		if handle != nil {
			handle.Close()
		}
		s.mgr.log.Warn("subscription dropped",
			zap.String("topic", s.topic.Name),
			zap.Bool("retrying", ok),
			zap.Duration("delay", delay),
			zap.Error(err))
		s.mgr.notify(s.topic, StatusError, lastErr)
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return
	}
	s.status = StatusClosed
	s.gen++
	s.retry.cancel()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			s.mgr.log.Debug("close feed", zap.String("topic", s.topic.Name), zap.Error(err))
		}
	}
	s.mgr.forget(s)
	s.mgr.notify(s.topic, StatusClosed, nil)
}
