//go:build integration

package swapsync_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/skillswap/swapsync"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func newClient(t *testing.T, tokenVar string) *swapsync.Client {
	t.Helper()
	opts := []swapsync.ClientOption{}
	if base := os.Getenv("SWAPSYNC_BASE_URL_TEST"); base != "" {
		opts = append(opts, swapsync.WithBaseURL(base))
	}
	return swapsync.NewClient(requireEnv(t, tokenVar), opts...)
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =======================================================================
// Group 1: Event sources
// =======================================================================

func TestIntegration_Redis_RoundTrip(t *testing.T) {
	addr := requireEnv(t, "SWAPSYNC_REDIS_ADDR_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	rdb, err := swapsync.NewRedisClient(ctx, addr, 0)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	defer rdb.Close()
	src := swapsync.NewRedisSource(rdb, nil)

	topic := swapsync.MessagesTopic(fmt.Sprintf("it-%d", time.Now().UnixNano()))
	got := make(chan swapsync.ChangeEvent, 1)
	h, err := src.Open(ctx, topic, func(ev swapsync.ChangeEvent) { got <- ev }, func(error) {})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	ev, _ := swapsync.NewChangeEvent(swapsync.EventInsert, swapsync.TableMessages,
		map[string]any{"id": "1", "conversation_id": topic.Filter.Value, "body": "ping"})
	if err := src.Publish(ctx, topic.Filter, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Table != swapsync.TableMessages {
			t.Errorf("table = %q", ev.Table)
		}
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}

func TestIntegration_NATS_RoundTrip(t *testing.T) {
	url := requireEnv(t, "SWAPSYNC_NATS_URL_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	src, err := swapsync.ConnectNATS(url, nil)
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	defer src.Close()

	topic := swapsync.PresenceTopic(fmt.Sprintf("it-%d", time.Now().UnixNano()))
	got := make(chan swapsync.ChangeEvent, 1)
	h, err := src.Open(ctx, topic, func(ev swapsync.ChangeEvent) { got <- ev }, func(error) {})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	ev, _ := swapsync.NewChangeEvent(swapsync.EventUpdate, swapsync.TablePresence,
		map[string]any{"user_id": topic.Filter.Value, "status": "online"})
	if err := src.Publish(topic.Filter, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
}

// =======================================================================
// Group 2: Two users, one conversation
// =======================================================================

func TestIntegration_Conversation_Lifecycle(t *testing.T) {
	userA := requireEnv(t, "SWAPSYNC_USER_A_TEST")
	userB := requireEnv(t, "SWAPSYNC_USER_B_TEST")
	clientA := newClient(t, "SWAPSYNC_TOKEN_A_TEST")
	clientB := newClient(t, "SWAPSYNC_TOKEN_B_TEST")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sessA, err := swapsync.Login(ctx, clientA, swapsync.NewWSSource(clientA), &swapsync.SessionOptions{UserID: userA})
	if err != nil {
		t.Fatalf("login A: %v", err)
	}
	defer sessA.Logout()
	sessB, err := swapsync.Login(ctx, clientB, swapsync.NewWSSource(clientB), &swapsync.SessionOptions{UserID: userB})
	if err != nil {
		t.Fatalf("login B: %v", err)
	}
	defer sessB.Logout()

	conv, err := sessA.StartConversation(ctx, userB)
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	t.Logf("conversation %s", conv.ID)

	if _, err := sessA.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatalf("A open: %v", err)
	}
	if _, err := sessB.OpenConversation(ctx, conv.ID); err != nil {
		t.Fatalf("B open: %v", err)
	}
	if err := sessA.WatchPresence(ctx, userB); err != nil {
		t.Fatalf("watch presence: %v", err)
	}

	body := fmt.Sprintf("integration %d", time.Now().UnixNano())
	sent, err := sessA.SendMessage(ctx, conv.ID, body)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "B to receive the message", 10*time.Second, func() bool {
		for _, m := range sessB.Messages(conv.ID) {
			if m.ID == sent.ID {
				return true
			}
		}
		return false
	})

	count := 0
	for _, m := range sessA.Messages(conv.ID) {
		if m.Body == body {
			count++
		}
	}
	if count != 1 {
		t.Errorf("sender sees %d copies of the message, want 1", count)
	}

	if err := sessB.MarkConversationRead(ctx, conv.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	waitFor(t, "A to see the read receipt", 10*time.Second, func() bool {
		for _, m := range sessA.Messages(conv.ID) {
			if m.ID == sent.ID && m.ReadAt != nil {
				return true
			}
		}
		return false
	})

	p, err := sessA.GetPresence(ctx, userB)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.Label != "online" {
		t.Errorf("B presence = %q, want online", p.Label)
	}
}
