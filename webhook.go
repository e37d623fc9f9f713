package swapsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Swapsync-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a change event pushed by the store over HTTP.
type WebhookPayload struct {
	Source    string      `json:"source"`
	Timestamp int64       `json:"timestamp"`
	Event     ChangeEvent `json:"event"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies an HMAC-SHA256 signature in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(SignWebhookBody(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookPayload parses a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != "swapsync" {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	if payload.Event.EventType == "" || payload.Event.Table == "" {
		return nil, fmt.Errorf("missing event_type or table in webhook payload")
	}
	if len(payload.Event.NewRow) == 0 {
		return nil, fmt.Errorf("missing new_row in webhook payload")
	}

	return &payload, nil
}

// ============================================================================
// WebhookSource
// ============================================================================

// WebhookSource is an EventSource fed by signed HTTP pushes. Feeds are
// routed through an in-process Hub, so filters apply exactly as they do for
// the other sources.
type WebhookSource struct {
	secret string
	hub    *Hub
	log    *zap.Logger
}

// NewWebhookSource creates a webhook source. The secret is required.
func NewWebhookSource(secret string, log *zap.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookSource{secret: secret, hub: NewHub(), log: log}, nil
}

// Open registers a feed for topic.
func (w *WebhookSource) Open(ctx context.Context, topic Topic, deliver DeliverFunc, fail FailFunc) (SourceHandle, error) {
	return w.hub.Open(ctx, topic, deliver, fail)
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookSource) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one push (verify, parse, broadcast). It returns the
// status code and response body for the caller to write.
func (w *WebhookSource) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	n := w.hub.Broadcast(payload.Event)
	w.log.Debug("webhook change",
		zap.String("table", payload.Event.Table),
		zap.String("event_type", string(payload.Event.EventType)),
		zap.Int("delivered", n))
	return http.StatusOK, map[string]any{"ok": true, "delivered": n}
}

// Close fails every open feed.
func (w *WebhookSource) Close() {
	w.hub.Close()
}

// HTTPHandler returns an http.Handler that accepts pushes.
//
// Example:
//
//	src, _ := swapsync.NewWebhookSource("secret", nil)
//	http.Handle("/realtime/webhook", src.HTTPHandler())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}
