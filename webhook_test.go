package swapsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestPayload() map[string]any {
	return map[string]any{
		"source":    "swapsync",
		"timestamp": 1700000000,
		"event": map[string]any{
			"event_type": "insert",
			"schema":     "public",
			"table":      "messages",
			"new_row": map[string]any{
				"id":              "5042",
				"client_id":       "c-1",
				"conversation_id": "17",
				"sender_id":       "u1",
				"body":            "hi",
				"created_at":      "2026-01-01T00:00:00Z",
			},
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestPayloadString()
		if !VerifyWebhookSignature(body, SignWebhookBody(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := strings.TrimPrefix(SignWebhookBody(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestPayloadString()
		if VerifyWebhookSignature(body, "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestPayloadString()
		if VerifyWebhookSignature(body, SignWebhookBody(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestPayloadString()
		sig := SignWebhookBody(body, testSecret)
		if VerifyWebhookSignature(body+"tampered", sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature("", "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature("body", "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature("body", "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseWebhookPayload
// ============================================================================

func TestParseWebhookPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		payload, err := ParseWebhookPayload(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if payload.Event.Table != TableMessages {
			t.Fatalf("expected table messages, got %s", payload.Event.Table)
		}
		msg, err := decodeRow[Message](payload.Event)
		if err != nil {
			t.Fatalf("decode row: %v", err)
		}
		if msg.ID != "5042" || msg.ClientID != "c-1" {
			t.Fatalf("unexpected row: %+v", msg)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseWebhookPayload("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		data := makeTestPayload()
		data["source"] = "unknown"
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown webhook source") {
			t.Fatalf("expected unknown source error, got: %v", err)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		data := makeTestPayload()
		data["event"].(map[string]any)["table"] = ""
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing event_type or table") {
			t.Fatalf("expected missing table error, got: %v", err)
		}
	})

	t.Run("missing row", func(t *testing.T) {
		data := makeTestPayload()
		delete(data["event"].(map[string]any), "new_row")
		b, _ := json.Marshal(data)
		_, err := ParseWebhookPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing new_row") {
			t.Fatalf("expected missing row error, got: %v", err)
		}
	})
}

func TestNewWebhookSource(t *testing.T) {
	if _, err := NewWebhookSource("", nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
	src, err := NewWebhookSource(testSecret, nil)
	if err != nil || src == nil {
		t.Fatalf("unexpected: %v", err)
	}
}

// ============================================================================
// WebhookSource.HTTPHandler
// ============================================================================

func TestWebhookSourceHTTPHandler(t *testing.T) {
	newSource := func(t *testing.T) (*WebhookSource, chan ChangeEvent) {
		src, err := NewWebhookSource(testSecret, nil)
		if err != nil {
			t.Fatal(err)
		}
		got := make(chan ChangeEvent, 4)
		_, err = src.Open(context.Background(), MessagesTopic("17"), func(ev ChangeEvent) { got <- ev }, func(error) {})
		if err != nil {
			t.Fatal(err)
		}
		return src, got
	}

	t.Run("GET returns 405", func(t *testing.T) {
		src, _ := newSource(t)
		w := httptest.NewRecorder()
		src.HTTPHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))
		if w.Code != 405 {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		src, got := newSource(t)
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(makeTestPayloadString()))
		req.Header.Set(SignatureHeader, "sha256=bad")
		w := httptest.NewRecorder()
		src.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 401 {
			t.Fatalf("expected 401, got %d", w.Code)
		}
		if len(got) != 0 {
			t.Fatal("unsigned push must not be delivered")
		}
	})

	t.Run("valid push is delivered to matching feed", func(t *testing.T) {
		src, got := newSource(t)
		body := makeTestPayloadString()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		req.Header.Set(SignatureHeader, SignWebhookBody(body, testSecret))
		w := httptest.NewRecorder()
		src.HTTPHandler().ServeHTTP(w, req)
		if w.Code != 200 {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var result map[string]any
		json.NewDecoder(w.Body).Decode(&result)
		if result["ok"] != true || result["delivered"] != float64(1) {
			t.Fatalf("unexpected response: %v", result)
		}
		select {
		case ev := <-got:
			if ev.Filter != "conversation_id=eq.17" {
				t.Fatalf("unexpected filter: %s", ev.Filter)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	})

	t.Run("non-matching push is not delivered", func(t *testing.T) {
		src, got := newSource(t)
		data := makeTestPayload()
		data["event"].(map[string]any)["new_row"].(map[string]any)["conversation_id"] = "99"
		b, _ := json.Marshal(data)
		status, _ := src.Handle(string(b), SignWebhookBody(string(b), testSecret))
		if status != 200 {
			t.Fatalf("expected 200, got %d", status)
		}
		if len(got) != 0 {
			t.Fatal("filter should exclude conversation 99")
		}
	})
}
