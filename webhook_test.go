package chatsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testWebhookSecret = "test-webhook-secret-key"

func makeWebhookBody() string {
	b, _ := json.Marshal(map[string]any{
		"event":     "message:new",
		"timestamp": 1756512000,
		"message": map[string]any{
			"id":             "msg-001",
			"conversationId": "conv-001",
			"sender":         map[string]any{"userRef": "cust-1", "role": "customer"},
			"content":        map[string]any{"kind": "text", "text": "Hello from test"},
		},
		"actorRef": "cust-1",
	})
	return string(b)
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	body := makeWebhookBody()

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyWebhookSignature(body, SignWebhookBody(body, testWebhookSecret), testWebhookSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(SignWebhookBody(body, testWebhookSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testWebhookSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		if VerifyWebhookSignature(body, "sha256="+strings.Repeat("0", 64), testWebhookSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyWebhookSignature(body, SignWebhookBody(body, "wrong"), testWebhookSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		sig := SignWebhookBody(body, testWebhookSecret)
		if VerifyWebhookSignature(body+"x", sig, testWebhookSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty signature", func(t *testing.T) {
		if VerifyWebhookSignature(body, "", testWebhookSecret) {
			t.Fatal("expected false for empty signature")
		}
	})

	t.Run("empty secret", func(t *testing.T) {
		if VerifyWebhookSignature(body, "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
	})
}

// ============================================================================
// ParseWebhookEvent
// ============================================================================

func TestParseWebhookEvent(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		body := makeWebhookBody()
		ev, err := ParseWebhookEvent(body, SignWebhookBody(body, testWebhookSecret), testWebhookSecret)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Event != "message:new" {
			t.Fatalf("event = %s", ev.Event)
		}
		if ev.Message == nil || ev.Message.ID != "msg-001" {
			t.Fatalf("message = %+v", ev.Message)
		}
		if ev.Message.Content.Text != "Hello from test" {
			t.Fatalf("content = %+v", ev.Message.Content)
		}
	})

	t.Run("invalid signature", func(t *testing.T) {
		if _, err := ParseWebhookEvent(makeWebhookBody(), "sha256=bad", testWebhookSecret); err == nil {
			t.Fatal("expected signature error")
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		body := "not json"
		if _, err := ParseWebhookEvent(body, SignWebhookBody(body, testWebhookSecret), testWebhookSecret); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("missing event name", func(t *testing.T) {
		body := `{"timestamp":1}`
		_, err := ParseWebhookEvent(body, SignWebhookBody(body, testWebhookSecret), testWebhookSecret)
		if err == nil || !strings.Contains(err.Error(), "missing event") {
			t.Fatalf("expected missing event error, got: %v", err)
		}
	})
}

// ============================================================================
// NewWebhookHandler
// ============================================================================

func TestWebhookHandler(t *testing.T) {
	okHandler := func(*WebhookEvent) error { return nil }

	post := func(h http.HandlerFunc, body, sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
		if sig != "" {
			req.Header.Set(WebhookSignatureHeader, sig)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	t.Run("GET returns 405", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
		w := httptest.NewRecorder()
		NewWebhookHandler(testWebhookSecret, okHandler).ServeHTTP(w, req)
		if w.Code != 405 {
			t.Fatalf("code = %d, want 405", w.Code)
		}
	})

	t.Run("invalid signature returns 401", func(t *testing.T) {
		w := post(NewWebhookHandler(testWebhookSecret, okHandler), makeWebhookBody(), "sha256=bad")
		if w.Code != 401 {
			t.Fatalf("code = %d, want 401", w.Code)
		}
	})

	t.Run("missing signature returns 401", func(t *testing.T) {
		w := post(NewWebhookHandler(testWebhookSecret, okHandler), makeWebhookBody(), "")
		if w.Code != 401 {
			t.Fatalf("code = %d, want 401", w.Code)
		}
	})

	t.Run("malformed payload returns 400", func(t *testing.T) {
		body := `{"timestamp":1}`
		w := post(NewWebhookHandler(testWebhookSecret, okHandler), body, SignWebhookBody(body, testWebhookSecret))
		if w.Code != 400 {
			t.Fatalf("code = %d, want 400", w.Code)
		}
	})

	t.Run("handler error returns 500", func(t *testing.T) {
		failing := NewWebhookHandler(testWebhookSecret, func(*WebhookEvent) error {
			return fmt.Errorf("downstream broke")
		})
		body := makeWebhookBody()
		w := post(failing, body, SignWebhookBody(body, testWebhookSecret))
		if w.Code != 500 {
			t.Fatalf("code = %d, want 500", w.Code)
		}
	})

	t.Run("valid delivery dispatched", func(t *testing.T) {
		var received *WebhookEvent
		h := NewWebhookHandler(testWebhookSecret, func(ev *WebhookEvent) error {
			received = ev
			return nil
		})
		body := makeWebhookBody()
		w := post(h, body, SignWebhookBody(body, testWebhookSecret))
		if w.Code != 200 {
			t.Fatalf("code = %d, want 200", w.Code)
		}
		if received == nil || received.ActorRef != "cust-1" {
			t.Fatalf("handler got %+v", received)
		}
	})
}
