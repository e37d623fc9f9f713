package swapsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Session events
// ============================================================================

const (
	// EventMessageNew carries a *Message inserted by another producer.
	EventMessageNew = "message.new"
	// EventMessageConfirmed carries the authoritative *Message of a local send.
	EventMessageConfirmed = "message.confirmed"
	// EventSendFailed carries a *SendFailure.
	EventSendFailed = "send.failed"
	// EventNotificationNew carries a *Notification.
	EventNotificationNew = "notification.new"
	// EventPresenceChanged carries the merged *PresenceRecord.
	EventPresenceChanged = "presence.changed"
	// EventSubscriptionStatus carries a StatusChange.
	EventSubscriptionStatus = "subscription.status"
	// EventSessionExpired carries the AuthExpiredError that ended the session.
	EventSessionExpired = "session.expired"
)

// SendFailure describes a rolled back send. Body is back in the draft.
type SendFailure struct {
	ConversationID string
	ClientID       string
	Body           string
	Err            error
}

// StatusChange is a subscription transition.
type StatusChange struct {
	Topic  string
	Status SubscriptionStatus
	Err    error
}

// SessionEventHandler receives session events.
type SessionEventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]SessionEventHandler
}

// On registers handler for event.
func (e *emitter) On(event string, handler SessionEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SessionEventHandler)
}

// ============================================================================
// Session
// ============================================================================

// ConnectionState summarizes the realtime feeds for a status indicator.
type ConnectionState string

const (
	ConnectionLive         ConnectionState = "live"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionClosed       ConnectionState = "closed"
)

// SessionOptions configures Login.
type SessionOptions struct {
	UserID   string
	Realtime *RealtimeConfig
	Logger   *zap.Logger
	Clock    func() time.Time
	// Beacon carries the unload write. Defaults to an HTTPBeacon on the client.
	Beacon BestEffortSender
	// StartHidden skips the initial mount signal.
	StartHidden    bool
	DisablePolling bool
	// PageSize limits list fetches. Zero uses the store default.
	PageSize int
}

// Session is the process-wide realtime context of one logged in user. It
// owns the subscription manager, the merged collections, the compose drafts
// and the presence controller, and is torn down by Logout.
type Session struct {
	emitter

	client   *Client
	mgr      *Manager
	config   *RealtimeConfig
	log      *zap.Logger
	now      func() time.Time
	userID   string
	pageSize int

	conversations *Collection[*Conversation]
	notifications *Collection[*Notification]
	board         *PresenceBoard
	presence      *PresenceController
	poller        *poller

	mu        sync.Mutex
	closed    bool
	messages  map[string]*Collection[*Message]
	msgSubs   map[string]*Subscription
	watching  map[string]*Subscription
	notifSub  *Subscription
	drafts    map[string]string
	expiredMu sync.Once
}

// Login starts a session: it checks the token, loads conversations and
// notifications, subscribes the user's notification feed and marks the user
// online.
func Login(ctx context.Context, client *Client, source EventSource, opts *SessionOptions) (*Session, error) {
	if opts == nil || opts.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Message: "is required"}
	}
	cfg := RealtimeConfig{}
	if opts.Realtime != nil {
		cfg = *opts.Realtime
	}
	cfg.defaults()

	s := &Session{
		emitter:       emitter{listeners: make(map[string][]SessionEventHandler)},
		client:        client,
		config:        &cfg,
		log:           client.Logger(),
		now:           time.Now,
		userID:        opts.UserID,
		pageSize:      opts.PageSize,
		conversations: NewCollection(conversationsByActivity),
		notifications: NewCollection(notificationsNewestFirst),
		board:         NewPresenceBoard(3 * cfg.PresenceHeartbeat),
		messages:      make(map[string]*Collection[*Message]),
		msgSubs:       make(map[string]*Subscription),
		watching:      make(map[string]*Subscription),
		drafts:        make(map[string]string),
	}
	if opts.Logger != nil {
		s.log = opts.Logger
	}
	s.log = s.log.With(zap.String("user_id", opts.UserID))
	if opts.Clock != nil {
		s.now = opts.Clock
	}

	if err := client.CheckToken(s.now()); err != nil {
		return nil, err
	}

	s.mgr = NewManager(source, &cfg,
		WithManagerLogger(s.log),
		WithAuthCheck(func() error { return client.CheckToken(s.now()) }, s.expire),
	)
	s.mgr.OnStatus(func(topic Topic, status SubscriptionStatus, err error) {
		s.emit(EventSubscriptionStatus, StatusChange{Topic: topic.Name, Status: status, Err: err})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := s.ListConversations(gctx)
		return err
	})
	g.Go(func() error {
		_, err := s.ListNotifications(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		if IsAuthExpired(err) {
			s.mgr.Close()
			return nil, err
		}
		s.log.Warn("initial load failed, polling will catch up", zap.Error(err))
	}

	sub, err := s.mgr.Subscribe(ctx, NotificationsTopic(s.userID), s.onNotificationEvent)
	if err != nil {
		s.mgr.Close()
		return nil, err
	}
	s.notifSub = sub

	beacon := opts.Beacon
	if beacon == nil {
		beacon = NewHTTPBeacon(client)
	}
	s.presence = NewPresenceController(s.userID, client.Presence, beacon, &PresenceOptions{
		Heartbeat: cfg.PresenceHeartbeat,
		Clock:     s.now,
		Logger:    s.log,
		OnChange: func(rec PresenceRecord) {
			r := rec
			s.board.Apply(EventUpdate, &r)
		},
	})
	if !opts.StartHidden {
		s.presence.Signal(SignalMount)
	}

	if !opts.DisablePolling {
		s.poller = newPoller(s, cfg.PollInterval)
		s.poller.start()
	}

	s.log.Info("session started")
	return s, nil
}

// Logout tears the session down: polling stops, an offline beacon is sent,
// every subscription and pending retry is cancelled and handlers are
// dropped. Late results of in-flight calls are discarded.
func (s *Session) Logout() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.poller != nil {
		s.poller.stop()
	}
	if s.presence != nil {
		s.presence.Stop()
	}
	s.mgr.Close()
	s.log.Info("session ended")
	s.removeAll()
}

func (s *Session) expire(err error) {
	s.expiredMu.Do(func() {
		s.log.Warn("session expired", zap.Error(err))
		s.emit(EventSessionExpired, err)
		s.Logout()
	})
}

// checkErr ends the session when err says the token is gone.
func (s *Session) checkErr(err error) error {
	if err != nil && IsAuthExpired(err) {
		go s.expire(err)
	}
	return err
}

// Alive reports whether the session has not been logged out.
func (s *Session) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) UserID() string { return s.userID }

// Client returns the store client.
func (s *Session) Client() *Client { return s.client }

// Manager returns the subscription manager.
func (s *Session) Manager() *Manager { return s.mgr }

// Presence returns the local presence controller, e.g. to forward
// visibility signals.
func (s *Session) Presence() *PresenceController { return s.presence }

// ConnectionState reports live when every feed is subscribed.
func (s *Session) ConnectionState() ConnectionState {
	if !s.Alive() {
		return ConnectionClosed
	}
	if s.mgr.Healthy() {
		return ConnectionLive
	}
	return ConnectionReconnecting
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches the user's conversations and merges them.
func (s *Session) ListConversations(ctx context.Context) ([]*Conversation, error) {
	if !s.Alive() {
		return nil, ErrSessionClosed
	}
	convs, err := s.client.Conversations.List(ctx)
	if err != nil {
		return nil, s.checkErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.conversations.ApplyAll(EventUpdate, convs)
	return s.conversations.Items(), nil
}

// Conversations returns the merged conversation list, newest activity first.
func (s *Session) Conversations() []*Conversation {
	return s.conversations.Items()
}

// StartConversation returns the conversation with otherUserID, creating it
// on first contact.
func (s *Session) StartConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	if otherUserID == "" {
		return nil, &ValidationError{Field: "participant_id", Message: "is required"}
	}
	if otherUserID == s.userID {
		return nil, &ValidationError{Field: "participant_id", Message: "cannot start a conversation with yourself"}
	}
	if !s.Alive() {
		return nil, ErrSessionClosed
	}
	conv, err := s.client.Conversations.Open(ctx, otherUserID)
	if err != nil {
		return nil, s.checkErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.conversations.Apply(Event[*Conversation]{Kind: EventInsert, Record: conv})
	return conv, nil
}

// OpenConversation subscribes the conversation's message feed and loads its
// history. Opening an already open conversation reuses its feed.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	if conversationID == "" {
		return nil, &ValidationError{Field: "conversation_id", Message: "is required"}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.messagesLocked(conversationID)
	s.mu.Unlock()

	sub, err := s.mgr.Subscribe(ctx, MessagesTopic(conversationID), s.onMessageEvent)
	if err != nil {
		return nil, s.checkErr(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.mgr.Unsubscribe(sub)
		return nil, ErrSessionClosed
	}
	s.msgSubs[conversationID] = sub
	s.mu.Unlock()

	return s.ListMessages(ctx, conversationID)
}

// CloseConversation drops the conversation's feed and local messages. The
// draft is kept.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	sub := s.msgSubs[conversationID]
	delete(s.msgSubs, conversationID)
	delete(s.messages, conversationID)
	s.mu.Unlock()
	s.mgr.Unsubscribe(sub)
}

// ============================================================================
// Messages
// ============================================================================

// ListMessages fetches a conversation's messages and merges them. The
// result is ordered by creation time and includes pending local sends.
func (s *Session) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	if !s.Alive() {
		return nil, ErrSessionClosed
	}
	var opts *PaginationOptions
	if s.pageSize > 0 {
		opts = &PaginationOptions{Limit: s.pageSize}
	}
	msgs, err := s.client.Messages.List(ctx, conversationID, opts)
	if err != nil {
		return nil, s.checkErr(err)
	}
	for _, m := range msgs {
		normalizeMessage(m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	coll := s.messagesLocked(conversationID)
	coll.ApplyAll(EventUpdate, msgs)
	return coll.Items(), nil
}

// Messages returns the merged messages of a conversation.
func (s *Session) Messages(conversationID string) []*Message {
	s.mu.Lock()
	coll := s.messages[conversationID]
	s.mu.Unlock()
	if coll == nil {
		return nil
	}
	return coll.Items()
}

// Draft returns the compose text of a conversation.
func (s *Session) Draft(conversationID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[conversationID]
}

func (s *Session) SetDraft(conversationID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		delete(s.drafts, conversationID)
		return
	}
	s.drafts[conversationID] = text
}

func (s *Session) messagesLocked(conversationID string) *Collection[*Message] {
	coll, ok := s.messages[conversationID]
	if !ok {
		coll = NewCollection(messagesByCreated)
		s.messages[conversationID] = coll
	}
	return coll
}

// normalizeMessage marks rows coming from the store as confirmed.
func normalizeMessage(m *Message) {
	if m.Status == "" {
		m.Status = MessageConfirmed
	}
}

// bumpConversationLocked advances the conversation's last activity to at.
func (s *Session) bumpConversationLocked(conversationID string, at time.Time) {
	conv, ok := s.conversations.Get(conversationID)
	if !ok || !at.After(conv.LastActivityAt) {
		return
	}
	next := *conv
	next.LastActivityAt = at
	s.conversations.Apply(Event[*Conversation]{Kind: EventUpdate, Record: &next})
}

func (s *Session) onMessageEvent(ev ChangeEvent) {
	if ev.Table != TableMessages {
		return
	}
	msg, err := decodeRow[Message](ev)
	if err != nil {
		s.log.Warn("malformed message row", zap.Error(err))
		return
	}
	normalizeMessage(msg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	coll, ok := s.messages[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	outcome := coll.Apply(Event[*Message]{Kind: ev.EventType, Record: msg})
	s.bumpConversationLocked(msg.ConversationID, msg.CreatedAt)
	s.mu.Unlock()

	// Own rows are announced through message.confirmed, even when the
	// broadcast arrives without the client id.
	if outcome == OutcomeInserted && msg.SenderID != s.userID {
		s.emit(EventMessageNew, msg)
	}
}

// ============================================================================
// Notifications
// ============================================================================

// ListNotifications fetches the user's notifications and merges them.
func (s *Session) ListNotifications(ctx context.Context) ([]*Notification, error) {
	if !s.Alive() {
		return nil, ErrSessionClosed
	}
	var opts *PaginationOptions
	if s.pageSize > 0 {
		opts = &PaginationOptions{Limit: s.pageSize}
	}
	notes, err := s.client.Notifications.List(ctx, opts)
	if err != nil {
		return nil, s.checkErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.notifications.ApplyAll(EventUpdate, notes)
	return s.notifications.Items(), nil
}

// Notifications returns the merged notifications, newest first.
func (s *Session) Notifications() []*Notification {
	return s.notifications.Items()
}

// UnreadNotifications returns the unread notifications, newest first.
func (s *Session) UnreadNotifications() []*Notification {
	return s.notifications.Filter(func(n *Notification) bool { return !n.Read })
}

func (s *Session) onNotificationEvent(ev ChangeEvent) {
	if ev.Table != TableNotifications {
		return
	}
	n, err := decodeRow[Notification](ev)
	if err != nil {
		s.log.Warn("malformed notification row", zap.Error(err))
		return
	}
	if n.UserID != s.userID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	outcome := s.notifications.Apply(Event[*Notification]{Kind: ev.EventType, Record: n})
	s.mu.Unlock()

	if outcome == OutcomeInserted {
		s.emit(EventNotificationNew, n)
	}
}

// ============================================================================
// Presence
// ============================================================================

// WatchPresence subscribes userID's presence row and seeds it from the store.
func (s *Session) WatchPresence(ctx context.Context, userID string) error {
	if userID == "" {
		return &ValidationError{Field: "user_id", Message: "is required"}
	}
	if !s.Alive() {
		return ErrSessionClosed
	}
	sub, err := s.mgr.Subscribe(ctx, PresenceTopic(userID), s.onPresenceEvent)
	if err != nil {
		return s.checkErr(err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.mgr.Unsubscribe(sub)
		return ErrSessionClosed
	}
	s.watching[userID] = sub
	s.mu.Unlock()

	rec, err := s.client.Presence.Get(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			// No row yet: the user has never been online.
			return nil
		}
		s.log.Debug("presence seed failed", zap.String("watched", userID), zap.Error(err))
		return s.checkErr(err)
	}
	s.applyPresence(EventUpdate, rec)
	return nil
}

// UnwatchPresence drops userID's presence feed.
func (s *Session) UnwatchPresence(userID string) {
	s.mu.Lock()
	sub := s.watching[userID]
	delete(s.watching, userID)
	s.mu.Unlock()
	s.mgr.Unsubscribe(sub)
	s.board.Forget(userID)
}

// GetPresence projects userID's presence as of now. An unknown user is
// fetched from the store once.
func (s *Session) GetPresence(ctx context.Context, userID string) (Projection, error) {
	if userID == "" {
		return Projection{}, &ValidationError{Field: "user_id", Message: "is required"}
	}
	if _, ok := s.board.Get(userID); !ok {
		if !s.Alive() {
			return Projection{}, ErrSessionClosed
		}
		rec, err := s.client.Presence.Get(ctx, userID)
		if err != nil {
			if !IsNotFound(err) {
				return Projection{}, s.checkErr(err)
			}
		} else {
			s.applyPresence(EventUpdate, rec)
		}
	}
	return s.board.Project(userID, s.now()), nil
}

// SetPresence forces the local user's status.
func (s *Session) SetPresence(ctx context.Context, status PresenceStatus) error {
	if status != PresenceOnline && status != PresenceOffline {
		return &ValidationError{Field: "status", Message: "must be online or offline"}
	}
	if !s.Alive() {
		return ErrSessionClosed
	}
	s.presence.Set(status)
	return nil
}

// Signal forwards a lifecycle signal to the presence controller.
func (s *Session) Signal(sig LifecycleSignal) {
	if s.Alive() {
		s.presence.Signal(sig)
	}
}

func (s *Session) onPresenceEvent(ev ChangeEvent) {
	if ev.Table != TablePresence {
		return
	}
	rec, err := decodeRow[PresenceRecord](ev)
	if err != nil {
		s.log.Warn("malformed presence row", zap.Error(err))
		return
	}
	s.applyPresence(ev.EventType, rec)
}

func (s *Session) applyPresence(kind EventKind, rec *PresenceRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	outcome := s.board.Apply(kind, rec)
	s.mu.Unlock()

	if outcome != OutcomeIgnored {
		s.emit(EventPresenceChanged, rec)
	}
}
