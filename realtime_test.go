package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestDecodeEvent(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    Event
	}{
		{evMessageNew, `{"conversationId":"c1","message":{"id":"m1"}}`, &MessageNewEvent{}},
		{evMessageDeleted, `{"conversationId":"c1","messageId":"m1"}`, &MessageDeletedEvent{}},
		{evConversationBlocked, `{"conversation":{"id":"c1"}}`, &ConversationBlockedEvent{}},
		{evConversationUnblocked, `{"conversation":{"id":"c1"}}`, &ConversationUnblockedEvent{}},
		{evUserTyping, `{"conversationId":"c1","userRef":"u1","displayName":"Ada"}`, &UserTypingEvent{}},
		{evUserStopTyping, `{"conversationId":"c1","userRef":"u1"}`, &UserStopTypingEvent{}},
		{evUsersOnline, `{"userRefs":["u1","u2"]}`, &UsersOnlineEvent{}},
		{evUserOnline, `{"userRef":"u1"}`, &UserOnlineEvent{}},
		{evUserOffline, `{"userRef":"u1"}`, &UserOfflineEvent{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeEvent(Envelope{Event: tc.name, Payload: json.RawMessage(tc.payload)})
			if err != nil {
				t.Fatal(err)
			}
			if ev.eventName() != tc.name {
				t.Fatalf("decoded as %s, want %s", ev.eventName(), tc.name)
			}
		})
	}

	t.Run("unknown name rejected", func(t *testing.T) {
		if _, err := DecodeEvent(Envelope{Event: "message:edited", Payload: json.RawMessage(`{}`)}); err == nil {
			t.Fatal("expected error for unknown event name")
		}
	})

	t.Run("malformed payload rejected", func(t *testing.T) {
		if _, err := DecodeEvent(Envelope{Event: evMessageNew, Payload: json.RawMessage(`[`)}); err == nil {
			t.Fatal("expected error for malformed payload")
		}
	})
}

// wsTestServer upgrades each request and hands the socket to fn.
func wsTestServer(t *testing.T, fn func(context.Context, *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fn(r.Context(), ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnDeliversEventsToSink(t *testing.T) {
	env, _ := json.Marshal(Envelope{
		Event:   evUserOnline,
		Payload: json.RawMessage(`{"userRef":"vend-1"}`),
	})
	srv := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		if err := ws.Write(ctx, websocket.MessageText, env); err != nil {
			return
		}
		// Hold the socket open until the client is done.
		ws.Read(ctx)
	})

	manager := NewConnectionManager(srv.URL, ConnConfig{})
	conn := manager.Conn("cust-1", "token-1")

	events := make(chan Event, 1)
	conn.OnEvent(func(ev Event) { events <- ev })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer manager.Disconnect("cust-1")

	select {
	case ev := <-events:
		online, ok := ev.(*UserOnlineEvent)
		if !ok || online.UserRef != "vend-1" {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the sink")
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s, want connected", conn.State())
	}
}

func TestConnJoinEmitsRoomCommand(t *testing.T) {
	received := make(chan Envelope, 4)
	srv := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				received <- env
			}
		}
	})

	manager := NewConnectionManager(srv.URL, ConnConfig{})
	conn := manager.Conn("cust-1", "token-1")
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer manager.Disconnect("cust-1")

	if err := conn.Join(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-received:
		if env.Event != cmdConversationJoin {
			t.Fatalf("event = %s, want %s", env.Event, cmdConversationJoin)
		}
		var payload map[string]string
		json.Unmarshal(env.Payload, &payload)
		if payload["conversationId"] != "c1" {
			t.Fatalf("payload = %v", payload)
		}
		if env.RequestID == "" {
			t.Fatal("request id missing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join command never arrived")
	}
}

func TestConnSendWithoutConnection(t *testing.T) {
	conn := newConn("cust-1", "http://127.0.0.1:1", "token", ConnConfig{})
	err := conn.StartTyping(context.Background(), "c1", "Casey")
	if err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestConnectionManagerOneConnPerIdentity(t *testing.T) {
	manager := NewConnectionManager("http://127.0.0.1:1", ConnConfig{})

	a := manager.Conn("cust-1", "token")
	b := manager.Conn("cust-1", "token")
	if a != b {
		t.Fatal("same identity must map to one connection")
	}
	if c := manager.Conn("vend-1", "token"); c == a {
		t.Fatal("distinct identities must not share a connection")
	}

	if got := manager.Get("cust-1"); got != a {
		t.Fatal("Get should return the existing connection")
	}
	if got := manager.Get("nobody"); got != nil {
		t.Fatal("Get for unknown identity should be nil")
	}

	if err := manager.Disconnect("cust-1"); err != nil {
		t.Fatal(err)
	}
	if manager.Get("cust-1") != nil {
		t.Fatal("disconnect must forget the connection")
	}
	// Unknown identity disconnect is a no-op.
	if err := manager.Disconnect("cust-1"); err != nil {
		t.Fatal(err)
	}
}

func TestConnDropStopsConnectionContext(t *testing.T) {
	var closeOnce sync.Once
	srv := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Close(websocket.StatusInternalError, "boom")
	})

	conn := newConn("cust-1", srv.URL, "token", ConnConfig{
		ReconnectAttempts: 1,
		ReconnectDelay:    5 * time.Millisecond,
	})
	conn.OnDisconnected(func(string) {
		closeOnce.Do(func() { srv.Listener.Close() })
	})

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The heartbeat loop must be released as soon as the read loop observes
	// the drop, not at its next ping tick.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		cancelled := conn.cancelFn == nil && conn.ws == nil
		conn.mu.Unlock()
		if cancelled {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection context survived the drop")
}

func TestConnectionManagerRefreshesCredential(t *testing.T) {
	manager := NewConnectionManager("http://127.0.0.1:1", ConnConfig{})

	first := manager.Conn("cust-1", "token-old")
	second := manager.Conn("cust-1", "token-new")
	if first != second {
		t.Fatal("same identity must map to one connection")
	}
	if got := second.wsURL(); !strings.Contains(got, "token=token-new") {
		t.Fatalf("dial url still carries the old credential: %s", got)
	}
}

func TestConnReconnectExhaustionGoesOffline(t *testing.T) {
	var closeOnce sync.Once
	srv := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Close(websocket.StatusInternalError, "boom")
	})

	conn := newConn("cust-1", srv.URL, "token", ConnConfig{
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
	})

	offline := make(chan struct{})
	conn.OnOffline(func() { close(offline) })
	conn.OnDisconnected(func(string) {
		// Kill the listener after the first drop so every redial fails.
		closeOnce.Do(func() { srv.Listener.Close() })
	})

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-offline:
	case <-time.After(5 * time.Second):
		t.Fatal("offline state never reached")
	}
	if conn.State() != StateOffline {
		t.Fatalf("state = %s, want offline", conn.State())
	}
}

func TestConnDisconnectIsIntentional(t *testing.T) {
	srv := wsTestServer(t, func(ctx context.Context, ws *websocket.Conn) {
		ws.Read(ctx)
	})

	conn := newConn("cust-1", srv.URL, "token", ConnConfig{})
	dropped := make(chan struct{}, 1)
	conn.OnDisconnected(func(string) { dropped <- struct{}{} })

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-dropped:
		t.Fatal("intentional close must not report a drop")
	case <-time.After(100 * time.Millisecond):
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", conn.State())
	}
}
