package swapsync

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Message send
// ============================================================================

// SendMessage shows body in the conversation at once as a pending message,
// clears the draft and writes it to the store. On success the authoritative
// row replaces the pending one, whether the store reply or the broadcast
// arrives first. On failure the pending message is removed, body goes back
// into the draft, EventSendFailed fires and the error is returned. Failed
// sends are not retried.
func (s *Session) SendMessage(ctx context.Context, conversationID, body string) (*Message, error) {
	if err := s.validateMessage(conversationID, body); err != nil {
		return nil, err
	}

	clientID := uuid.NewString()
	pending := &Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Body:           body,
		CreatedAt:      s.now(),
		Status:         MessagePending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	coll := s.messagesLocked(conversationID)
	coll.Apply(Event[*Message]{Kind: EventInsert, Record: pending})
	delete(s.drafts, conversationID)
	s.mu.Unlock()

	log := s.log.With(zap.String("conversation_id", conversationID), zap.String("client_id", clientID))
	log.Debug("message pending", zap.String("temp_id", pending.ID))

	saved, err := s.client.Messages.Send(ctx, conversationID, &SendMessageRequest{ClientID: clientID, Body: body})

	s.mu.Lock()
	if s.closed {
		// Logged out while the write was in flight; nothing left to reconcile.
		s.mu.Unlock()
		return saved, err
	}
	if err != nil {
		coll.Remove(pending.ID)
		if _, typing := s.drafts[conversationID]; !typing {
			s.drafts[conversationID] = body
		}
		s.mu.Unlock()

		log.Warn("send failed, rolled back", zap.Error(err))
		s.emit(EventSendFailed, &SendFailure{
			ConversationID: conversationID,
			ClientID:       clientID,
			Body:           body,
			Err:            err,
		})
		return nil, s.checkErr(err)
	}
	coll.Apply(Event[*Message]{Kind: EventInsert, Record: saved})
	s.bumpConversationLocked(conversationID, saved.CreatedAt)
	s.mu.Unlock()

	log.Debug("message confirmed", zap.String("id", saved.ID))
	s.emit(EventMessageConfirmed, saved)
	return saved, nil
}

func (s *Session) validateMessage(conversationID, body string) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversation_id", Message: "is required"}
	}
	if strings.TrimSpace(body) == "" {
		return &ValidationError{Field: "body", Message: "must not be empty"}
	}
	if n := utf8.RuneCountInString(body); n > s.config.MaxMessageLength {
		return &ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("is %d characters, limit is %d", n, s.config.MaxMessageLength),
		}
	}
	return nil
}

// ============================================================================
// Read acknowledgements
// ============================================================================

// MarkNotificationRead flags the notification read locally, then in the
// store. A failed write restores the previous row unless a newer one
// arrived meanwhile.
func (s *Session) MarkNotificationRead(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	prev, known := s.notifications.Get(id)
	if known && prev.Read {
		s.mu.Unlock()
		return nil
	}
	var optimistic *Notification
	if known {
		next := *prev
		next.Read = true
		optimistic = &next
		s.notifications.Apply(Event[*Notification]{Kind: EventUpdate, Record: optimistic})
	}
	s.mu.Unlock()

	saved, err := s.client.Notifications.MarkRead(ctx, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	if err != nil {
		if known {
			s.rollbackNotificationLocked(prev, optimistic)
		}
		s.log.Warn("mark read failed, rolled back", zap.String("notification_id", id), zap.Error(err))
		return s.checkErr(err)
	}
	if saved != nil && saved.ID != "" {
		s.notifications.Apply(Event[*Notification]{Kind: EventUpdate, Record: saved})
	}
	return nil
}

// MarkAllNotificationsRead flags every unread notification read locally,
// then in the store, rolling back on failure.
func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	type change struct{ prev, next *Notification }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	var changes []change
	for _, n := range s.notifications.Filter(func(n *Notification) bool { return !n.Read }) {
		next := *n
		next.Read = true
		changes = append(changes, change{prev: n, next: &next})
		s.notifications.Apply(Event[*Notification]{Kind: EventUpdate, Record: &next})
	}
	s.mu.Unlock()

	err := s.client.Notifications.MarkAllRead(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || err == nil {
		return err
	}
	for _, c := range changes {
		s.rollbackNotificationLocked(c.prev, c.next)
	}
	s.log.Warn("mark all read failed, rolled back", zap.Int("count", len(changes)), zap.Error(err))
	return s.checkErr(err)
}

// rollbackNotificationLocked restores prev if the current row is still the
// optimistic one.
func (s *Session) rollbackNotificationLocked(prev, optimistic *Notification) {
	if cur, ok := s.notifications.Get(prev.ID); ok && cur == optimistic {
		s.notifications.Restore(prev)
	}
}

// MarkConversationRead stamps read_at on the peer's unread messages locally,
// then in the store. The store's rows replace the local stamps; a failure
// restores the previous rows.
func (s *Session) MarkConversationRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return &ValidationError{Field: "conversation_id", Message: "is required"}
	}
	type change struct{ prev, next *Message }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	coll := s.messagesLocked(conversationID)
	now := s.now()
	var changes []change
	for _, m := range coll.Filter(func(m *Message) bool {
		return m.SenderID != s.userID && m.ReadAt == nil && !m.IsProvisional()
	}) {
		next := *m
		next.ReadAt = &now
		changes = append(changes, change{prev: m, next: &next})
		coll.Apply(Event[*Message]{Kind: EventUpdate, Record: &next})
	}
	s.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}

	saved, err := s.client.Conversations.MarkRead(ctx, conversationID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	if err != nil {
		for _, c := range changes {
			if cur, ok := coll.Get(c.prev.ID); ok && cur == c.next {
				coll.Restore(c.prev)
			}
		}
		s.log.Warn("mark conversation read failed, rolled back",
			zap.String("conversation_id", conversationID), zap.Error(err))
		return s.checkErr(err)
	}
	// Store timestamps win over the local stamps even when the clocks disagree.
	for _, m := range saved {
		normalizeMessage(m)
		coll.Restore(m)
	}
	return nil
}
