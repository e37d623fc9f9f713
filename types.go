package swapsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error object carried in a durable store response envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic durable store response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// Conversation is a direct conversation between two users.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantOne string    `json:"participant_one"`
	ParticipantTwo string    `json:"participant_two"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID string) string {
	if c.ParticipantOne == userID {
		return c.ParticipantTwo
	}
	return c.ParticipantOne
}

func (c *Conversation) RecordID() string      { return c.ID }
func (c *Conversation) CorrelationID() string { return "" }
func (c *Conversation) IsProvisional() bool   { return false }
func (c *Conversation) Revision() int64       { return c.LastActivityAt.UnixNano() }

// ============================================================================
// Messages
// ============================================================================

// MessageStatus tracks where a message is in the optimistic send lifecycle.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageConfirmed MessageStatus = "confirmed"
	MessageFailed    MessageStatus = "failed"
)

// TempIDPrefix marks ids assigned locally before the store confirms a write.
const TempIDPrefix = "temp-"

// Message is a chat message. While Status is pending the ID is a temporary
// client id and ClientID carries the correlation key sent with the write.
type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"created_at"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	Status         MessageStatus `json:"status,omitempty"`
}

func (m *Message) RecordID() string      { return m.ID }
func (m *Message) CorrelationID() string { return m.ClientID }
func (m *Message) IsProvisional() bool   { return m.Status == MessagePending }

// Revision grows as the row picks up delivery and read acknowledgements.
func (m *Message) Revision() int64 {
	rev := m.CreatedAt.UnixNano()
	if m.DeliveredAt != nil && m.DeliveredAt.UnixNano() > rev {
		rev = m.DeliveredAt.UnixNano()
	}
	if m.ReadAt != nil && m.ReadAt.UnixNano() > rev {
		rev = m.ReadAt.UnixNano()
	}
	return rev
}

// TieRank keeps the row that carries the correlation key.
func (m *Message) TieRank() int {
	if m.ClientID != "" {
		return 1
	}
	return 0
}

// ============================================================================
// Notifications
// ============================================================================

// Notification is a server generated alert owned by a single user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Link      *string   `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

func (n *Notification) RecordID() string      { return n.ID }
func (n *Notification) CorrelationID() string { return "" }
func (n *Notification) IsProvisional() bool   { return false }

// Revision is 1 once read. Read never goes back to false.
func (n *Notification) Revision() int64 {
	if n.Read {
		return 1
	}
	return 0
}

// ============================================================================
// Presence
// ============================================================================

// PresenceStatus is the online state of a user.
type PresenceStatus string

const (
	PresenceUnknown PresenceStatus = ""
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceRecord is the single upserted presence row of a user.
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

func (p *PresenceRecord) RecordID() string      { return p.UserID }
func (p *PresenceRecord) CorrelationID() string { return "" }
func (p *PresenceRecord) IsProvisional() bool   { return false }
func (p *PresenceRecord) Revision() int64       { return p.LastSeen.UnixNano() }

// TieRank ranks offline above online at the same last_seen.
func (p *PresenceRecord) TieRank() int {
	if p.Status == PresenceOffline {
		return 1
	}
	return 0
}

// ============================================================================
// Request Options
// ============================================================================

// PaginationOptions limits list calls.
type PaginationOptions struct {
	Limit  int
	Before string
}

// SendMessageRequest is the body of a durable message insert.
type SendMessageRequest struct {
	ClientID string `json:"client_id"`
	Body     string `json:"body"`
}

// PresenceUpdate is the body of a presence upsert.
type PresenceUpdate struct {
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}
