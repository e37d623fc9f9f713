package swapsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory durable store speaking the REST envelope. When
// hub is set, publish broadcasts rows through it.
type fakeStore struct {
	t   *testing.T
	hub *Hub

	mu        sync.Mutex
	convs     []*Conversation
	messages  map[string][]*Message
	notifs    []*Notification
	presence  map[string]*PresenceRecord
	upserts   []PresenceUpdate
	nextID    int
	requests  map[string]int
	failSend  int
	failRead  int
	failLists int
	// broadcastBeforeReply publishes an inserted message before answering.
	broadcastBeforeReply bool
	// beforeSend runs when a send request arrives, before it can fail.
	beforeSend func()
	// onSend runs after the insert commits and before the reply is written.
	onSend func(*Message)
}

func newFakeStore(t *testing.T, hub *Hub) (*fakeStore, *httptest.Server) {
	fs := &fakeStore{
		t:        t,
		hub:      hub,
		messages: make(map[string][]*Message),
		presence: make(map[string]*PresenceRecord),
		requests: make(map[string]int),
		nextID:   5042,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/conversations", fs.listConversations)
	mux.HandleFunc("POST /api/conversations", fs.openConversation)
	mux.HandleFunc("GET /api/conversations/{id}/messages", fs.listMessages)
	mux.HandleFunc("POST /api/conversations/{id}/messages", fs.sendMessage)
	mux.HandleFunc("POST /api/conversations/{id}/read", fs.markConversationRead)
	mux.HandleFunc("GET /api/notifications", fs.listNotifications)
	mux.HandleFunc("POST /api/notifications/read-all", fs.markAllRead)
	mux.HandleFunc("POST /api/notifications/{id}/read", fs.markRead)
	mux.HandleFunc("GET /api/presence/{user}", fs.getPresence)
	mux.HandleFunc("PUT /api/presence", fs.upsertPresence)
	mux.HandleFunc("POST /api/presence/beacon", fs.upsertPresence)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests[r.Method+" "+r.URL.Path]++
		fs.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeStore) count(key string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[key]
}

func writeOK(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Result{OK: true, Data: raw})
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Result{OK: false, Error: &APIError{Code: code, Message: msg}})
}

func (fs *fakeStore) publish(kind EventKind, table string, row any) {
	if fs.hub == nil {
		return
	}
	if _, err := fs.hub.Publish(kind, table, row); err != nil {
		fs.t.Errorf("publish %s: %v", table, err)
	}
}

func (fs *fakeStore) listConversations(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failLists > 0 {
		fs.failLists--
		writeErr(w, http.StatusServiceUnavailable, "UNAVAILABLE", "try later")
		return
	}
	writeOK(w, fs.convs)
}

func (fs *fakeStore) openConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ParticipantID string `json:"participant_id"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.convs {
		if c.ParticipantOne == body.ParticipantID || c.ParticipantTwo == body.ParticipantID {
			writeOK(w, c)
			return
		}
	}
	fs.nextID++
	c := &Conversation{ID: strconv.Itoa(fs.nextID), ParticipantOne: "u1", ParticipantTwo: body.ParticipantID, CreatedAt: t0, LastActivityAt: t0}
	fs.convs = append(fs.convs, c)
	writeOK(w, c)
}

func (fs *fakeStore) listMessages(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	writeOK(w, fs.messages[r.PathValue("id")])
}

func (fs *fakeStore) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	convID := r.PathValue("id")

	fs.mu.Lock()
	before := fs.beforeSend
	fs.mu.Unlock()
	if before != nil {
		before()
	}

	fs.mu.Lock()
	if fs.failSend > 0 {
		fs.failSend--
		fs.mu.Unlock()
		writeErr(w, http.StatusServiceUnavailable, "UNAVAILABLE", "store down")
		return
	}
	m := &Message{
		ID:             strconv.Itoa(fs.nextID),
		ClientID:       req.ClientID,
		ConversationID: convID,
		SenderID:       "u1",
		Body:           req.Body,
		CreatedAt:      time.Now().UTC(),
	}
	fs.nextID++
	fs.messages[convID] = append(fs.messages[convID], m)
	onSend := fs.onSend
	broadcast := fs.broadcastBeforeReply
	fs.mu.Unlock()

	if broadcast {
		fs.publish(EventInsert, TableMessages, m)
	}
	if onSend != nil {
		onSend(m)
	}
	writeOK(w, m)
}

func (fs *fakeStore) markConversationRead(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	fs.mu.Lock()
	if fs.failRead > 0 {
		fs.failRead--
		fs.mu.Unlock()
		writeErr(w, http.StatusForbidden, "FORBIDDEN", "not a participant")
		return
	}
	now := time.Now().UTC()
	var changed []*Message
	for _, m := range fs.messages[convID] {
		if m.SenderID != "u1" && m.ReadAt == nil {
			at := now
			m.ReadAt = &at
			changed = append(changed, m)
		}
	}
	fs.mu.Unlock()
	writeOK(w, changed)
}

func (fs *fakeStore) listNotifications(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	writeOK(w, fs.notifs)
}

func (fs *fakeStore) markRead(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failRead > 0 {
		fs.failRead--
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "boom")
		return
	}
	for _, n := range fs.notifs {
		if n.ID == id {
			n.Read = true
			writeOK(w, n)
			return
		}
	}
	writeErr(w, http.StatusNotFound, "NOT_FOUND", "no such notification")
}

func (fs *fakeStore) markAllRead(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.failRead > 0 {
		fs.failRead--
		writeErr(w, http.StatusInternalServerError, "INTERNAL", "boom")
		return
	}
	for _, n := range fs.notifs {
		n.Read = true
	}
	writeOK(w, nil)
}

func (fs *fakeStore) getPresence(w http.ResponseWriter, r *http.Request) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.presence[r.PathValue("user")]
	if !ok {
		writeErr(w, http.StatusNotFound, "NOT_FOUND", "no presence row")
		return
	}
	writeOK(w, rec)
}

func (fs *fakeStore) upsertPresence(w http.ResponseWriter, r *http.Request) {
	var u PresenceUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeErr(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	fs.mu.Lock()
	fs.upserts = append(fs.upserts, u)
	fs.presence["u1"] = &PresenceRecord{UserID: "u1", Status: u.Status, LastSeen: u.LastSeen}
	fs.mu.Unlock()
	writeOK(w, nil)
}

func (fs *fakeStore) presenceWrites() []PresenceUpdate {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]PresenceUpdate(nil), fs.upserts...)
}

func signToken(t *testing.T, exp time.Time) string {
	claims := jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(exp)}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}
