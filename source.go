package swapsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ============================================================================
// Topics
// ============================================================================

const (
	SchemaPublic       = "public"
	TableMessages      = "messages"
	TableNotifications = "notifications"
	TablePresence      = "user_presence"
)

// Filter is the row predicate the event source evaluates before delivery.
type Filter struct {
	Column string
	Value  string
}

// String renders the filter in column=eq.value form.
func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

// Match reports whether row satisfies the filter. An empty filter matches all rows.
func (f Filter) Match(row map[string]any) bool {
	if f.Column == "" {
		return true
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// ParseFilter parses the column=eq.value form.
func ParseFilter(s string) (Filter, error) {
	if s == "" {
		return Filter{}, nil
	}
	col, val, ok := strings.Cut(s, "=eq.")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("invalid filter %q", s)
	}
	return Filter{Column: col, Value: val}, nil
}

// Topic is a named, filtered event feed on one table.
type Topic struct {
	Name   string
	Table  string
	Filter Filter
}

func MessagesTopic(conversationID string) Topic {
	return Topic{
		Name:   "messages:" + conversationID,
		Table:  TableMessages,
		Filter: Filter{Column: "conversation_id", Value: conversationID},
	}
}

func NotificationsTopic(userID string) Topic {
	return Topic{
		Name:   "notifications:" + userID,
		Table:  TableNotifications,
		Filter: Filter{Column: "user_id", Value: userID},
	}
}

func PresenceTopic(userID string) Topic {
	return Topic{
		Name:   "presence:" + userID,
		Table:  TablePresence,
		Filter: Filter{Column: "user_id", Value: userID},
	}
}

// ============================================================================
// Change Events
// ============================================================================

// ChangeEvent is a committed row change broadcast by the event source.
type ChangeEvent struct {
	EventType EventKind       `json:"event_type"`
	Schema    string          `json:"schema"`
	Table     string          `json:"table"`
	NewRow    json.RawMessage `json:"new_row"`
	Filter    string          `json:"filter,omitempty"`
}

// NewChangeEvent marshals row into a change event on table.
func NewChangeEvent(kind EventKind, table string, row any) (ChangeEvent, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal %s row: %w", table, err)
	}
	return ChangeEvent{EventType: kind, Schema: SchemaPublic, Table: table, NewRow: data}, nil
}

// Row decodes the new row into a generic map.
func (e ChangeEvent) Row() (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal(e.NewRow, &row); err != nil {
		return nil, err
	}
	return row, nil
}

func decodeRow[T any](e ChangeEvent) (*T, error) {
	return decodeJSON[T](e.NewRow)
}

// ============================================================================
// Event Source contract
// ============================================================================

// DeliverFunc receives events of one topic, sequentially and in source order.
type DeliverFunc func(ChangeEvent)

// FailFunc is called at most once when an open feed breaks.
type FailFunc func(error)

// EventSource opens topic feeds. Open blocks through the subscribe handshake
// and returns an error if the feed could not be established.
type EventSource interface {
	Open(ctx context.Context, topic Topic, deliver DeliverFunc, fail FailFunc) (SourceHandle, error)
}

// SourceHandle closes one open feed.
type SourceHandle interface {
	Close() error
}

// ErrSourceClosed is reported when the source itself shuts down.
var ErrSourceClosed = errors.New("event source closed")

// ============================================================================
// Hub (in-process source)
// ============================================================================

// Hub is an in-process EventSource. It evaluates topic filters the way the
// hosted event source does, so it serves tests and local development.
type Hub struct {
	mu        sync.RWMutex
	subs      map[int]*hubSub
	next      int
	openErr   error
	openFails int
	closed    bool
}

type hubSub struct {
	hub     *Hub
	id      int
	topic   Topic
	deliver DeliverFunc
	fail    FailFunc
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*hubSub)}
}

// Open registers a feed for topic.
func (h *Hub) Open(ctx context.Context, topic Topic, deliver DeliverFunc, fail FailFunc) (SourceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrSourceClosed
	}
	if h.openFails > 0 {
		h.openFails--
		return nil, h.openErr
	}
	h.next++
	s := &hubSub{hub: h, id: h.next, topic: topic, deliver: deliver, fail: fail}
	h.subs[s.id] = s
	return s, nil
}

func (s *hubSub) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	return nil
}

// FailNextOpens makes the next n Open calls fail with err.
func (h *Hub) FailNextOpens(n int, err error) {
	h.mu.Lock()
	h.openFails = n
	h.openErr = err
	h.mu.Unlock()
}

// Broadcast delivers ev to every feed whose table and filter match, and
// returns the number of deliveries.
func (h *Hub) Broadcast(ev ChangeEvent) int {
	row, err := ev.Row()
	if err != nil {
		return 0
	}
	h.mu.RLock()
	var targets []*hubSub
	for _, s := range h.subs {
		if s.topic.Table == ev.Table && s.topic.Filter.Match(row) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		out := ev
		out.Filter = s.topic.Filter.String()
		s.deliver(out)
	}
	return len(targets)
}

// Publish marshals row and broadcasts it.
func (h *Hub) Publish(kind EventKind, table string, row any) (int, error) {
	ev, err := NewChangeEvent(kind, table, row)
	if err != nil {
		return 0, err
	}
	return h.Broadcast(ev), nil
}

// Drop breaks every feed on topicName, reporting err to its owner.
func (h *Hub) Drop(topicName string, err error) int {
	h.mu.Lock()
	var dropped []*hubSub
	for id, s := range h.subs {
		if s.topic.Name == topicName {
			dropped = append(dropped, s)
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()

	for _, s := range dropped {
		s.once.Do(func() { s.fail(err) })
	}
	return len(dropped)
}

// Subscribers returns the number of open feeds on topicName.
func (h *Hub) Subscribers(topicName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.subs {
		if s.topic.Name == topicName {
			n++
		}
	}
	return n
}

// Close fails every open feed and rejects further opens.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[int]*hubSub)
	h.mu.Unlock()
	for _, s := range subs {
		s.once.Do(func() { s.fail(ErrSourceClosed) })
	}
}
