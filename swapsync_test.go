package swapsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusUnauthorized, IsAuthExpired},
		{http.StatusTooManyRequests, IsTransient},
		{http.StatusServiceUnavailable, IsTransient},
		{http.StatusInternalServerError, IsTransient},
		{http.StatusNotFound, IsNotFound},
		{http.StatusBadRequest, func(err error) bool { _, ok := err.(*ValidationError); return ok }},
		{http.StatusConflict, func(err error) bool { _, ok := err.(*WriteConflictError); return ok }},
		{http.StatusForbidden, func(err error) bool { _, ok := err.(*WriteConflictError); return ok }},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := classifyStatus("POST /api/x", tt.status, &APIError{Code: "X", Message: "nope"})
			assert.True(t, tt.check(err), "got %T: %v", err, err)
		})
	}

	err := classifyStatus("GET /api/x", http.StatusForbidden, nil)
	assert.ErrorContains(t, err, "HTTP 403")
	assert.False(t, IsNotFound(err))
}

func TestCheckToken(t *testing.T) {
	now := time.Now()

	assert.NoError(t, NewClient(signToken(t, now.Add(time.Hour))).CheckToken(now))
	assert.NoError(t, NewClient("opaque-session-token").CheckToken(now))

	err := NewClient(signToken(t, now.Add(-time.Minute))).CheckToken(now)
	assert.True(t, IsAuthExpired(err))
	assert.ErrorContains(t, err, "token expired at")

	assert.True(t, IsAuthExpired(NewClient("").CheckToken(now)))
}

func TestClientStoreCalls(t *testing.T) {
	fs, srv := newFakeStore(t, nil)
	fs.convs = []*Conversation{{ID: "17", ParticipantOne: "u1", ParticipantTwo: "u2", LastActivityAt: t0}}
	client := NewClient("tok", WithBaseURL(srv.URL))
	ctx := context.Background()

	convs, err := client.Conversations.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "u2", convs[0].Peer("u1"))
	assert.Equal(t, "u1", convs[0].Peer("u2"))

	conv, err := client.Conversations.Open(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "17", conv.ID, "first contact returns the existing row")

	sent, err := client.Messages.Send(ctx, "17", &SendMessageRequest{ClientID: "c1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "5042", sent.ID)
	assert.Equal(t, "c1", sent.ClientID)
	assert.Equal(t, MessageConfirmed, sent.Status)

	msgs, err := client.Messages.List(ctx, "17", &PaginationOptions{Limit: 20})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = client.Presence.Get(ctx, "u9")
	assert.True(t, IsNotFound(err))

	require.NoError(t, client.Presence.Upsert(ctx, &PresenceUpdate{Status: PresenceOnline, LastSeen: t0}))
	rec, err := client.Presence.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, PresenceOnline, rec.Status)
}

func TestClientErrors(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeErr(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "jwt expired")
	}))
	client := NewClient("tok", WithBaseURL(srv.URL))

	_, err := client.Notifications.List(context.Background(), nil)
	assert.True(t, IsAuthExpired(err))
	assert.Equal(t, "Bearer tok", gotAuth)

	srv.Close()
	_, err = client.Notifications.List(context.Background(), nil)
	assert.True(t, IsTransient(err))
}

func TestClientRejectsNotOKEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusOK, "REJECTED", "duplicate client id")
	}))
	defer srv.Close()
	client := NewClient("tok", WithBaseURL(srv.URL))

	_, err := client.Messages.Send(context.Background(), "17", &SendMessageRequest{ClientID: "c1", Body: "hi"})
	var conflict *WriteConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Error(), "duplicate client id")
}
