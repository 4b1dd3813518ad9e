package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Webhooks are the standing-connection-free delivery path: integrations that
// cannot hold a websocket (bots, back-office tooling) receive the same
// conversation events as signed HTTP POSTs.

// WebhookSignatureHeader carries the HMAC signature of the request body.
const WebhookSignatureHeader = "X-Souqly-Signature"

// WebhookEvent is the payload POSTed to a registered endpoint. Exactly one
// of Message or Conversation is populated depending on the event name.
type WebhookEvent struct {
	Event        string        `json:"event"`
	Timestamp    int64         `json:"timestamp"`
	Message      *Message      `json:"message,omitempty"`
	Conversation *Conversation `json:"conversation,omitempty"`
	ActorRef     string        `json:"actorRef,omitempty"`
}

// VerifyWebhookSignature checks an HMAC-SHA256 signature over the raw body.
// The signature may carry the "sha256=" prefix or be bare hex. Comparison is
// constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody produces the signature value for a body, prefix included.
// Exposed so tests and senders can build valid requests.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvent verifies the signature and decodes the payload.
func ParseWebhookEvent(body, signature, secret string) (*WebhookEvent, error) {
	if !VerifyWebhookSignature(body, signature, secret) {
		return nil, fmt.Errorf("invalid webhook signature")
	}
	var ev WebhookEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if ev.Event == "" {
		return nil, fmt.Errorf("webhook payload missing event name")
	}
	return &ev, nil
}

// WebhookHandlerFunc processes a verified webhook event.
type WebhookHandlerFunc func(*WebhookEvent) error

// NewWebhookHandler returns an http.Handler that verifies, decodes and
// dispatches webhook deliveries. Invalid signatures get 401, malformed
// payloads 400, handler errors 500.
func NewWebhookHandler(secret string, handler WebhookHandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}

		sig := r.Header.Get(WebhookSignatureHeader)
		if !VerifyWebhookSignature(string(body), sig, secret) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var ev WebhookEvent
		if err := json.Unmarshal(body, &ev); err != nil || ev.Event == "" {
			http.Error(w, "malformed payload", http.StatusBadRequest)
			return
		}

		if err := handler(&ev); err != nil {
			http.Error(w, "handler error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
