package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for all push events and outbound commands.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// Inbound event names.
const (
	evMessageNew            = "message:new"
	evMessageDeleted        = "message:deleted"
	evConversationBlocked   = "conversation:blocked"
	evConversationUnblocked = "conversation:unblocked"
	evUserTyping            = "user:typing"
	evUserStopTyping        = "user:stop-typing"
	evUsersOnline           = "users:online"
	evUserOnline            = "user:online"
	evUserOffline           = "user:offline"
)

// Outbound command names.
const (
	cmdMessageSend          = "message:send"
	cmdTypingStart          = "typing:start"
	cmdTypingStop           = "typing:stop"
	cmdMessageRead          = "message:read"
	cmdConversationMarkRead = "conversation:mark-read"
	cmdConversationJoin     = "conversation:join"
	cmdConversationLeave    = "conversation:leave"
)

// ============================================================================
// Event union
// ============================================================================

// Event is the decoded form of an inbound push event. The set of
// implementations is closed; the reconciler dispatches with an exhaustive
// type switch, so a new event kind is a compile-time-checked addition.
type Event interface {
	eventName() string
}

// MessageNewEvent carries a newly created message.
type MessageNewEvent struct {
	ConversationID string   `json:"conversationId"`
	Message        *Message `json:"message"`
}

// MessageDeletedEvent announces a permanent message removal.
type MessageDeletedEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ConversationBlockedEvent carries the full conversation after a moderator
// block, including the populated AdminActions.
type ConversationBlockedEvent struct {
	Conversation *Conversation `json:"conversation"`
}

// ConversationUnblockedEvent carries the full conversation after an unblock,
// with AdminActions already absent.
type ConversationUnblockedEvent struct {
	Conversation *Conversation `json:"conversation"`
}

// UserTypingEvent signals that a user started composing.
type UserTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserRef        string `json:"userRef"`
	DisplayName    string `json:"displayName"`
}

// UserStopTypingEvent signals that a user stopped composing.
type UserStopTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserRef        string `json:"userRef"`
}

// UsersOnlineEvent is the transport's bulk presence broadcast, sent after a
// connection is established.
type UsersOnlineEvent struct {
	UserRefs []string `json:"userRefs"`
}

// UserOnlineEvent marks a single user as online.
type UserOnlineEvent struct {
	UserRef string `json:"userRef"`
}

// UserOfflineEvent marks a single user as offline.
type UserOfflineEvent struct {
	UserRef string `json:"userRef"`
}

func (MessageNewEvent) eventName() string            { return evMessageNew }
func (MessageDeletedEvent) eventName() string        { return evMessageDeleted }
func (ConversationBlockedEvent) eventName() string   { return evConversationBlocked }
func (ConversationUnblockedEvent) eventName() string { return evConversationUnblocked }
func (UserTypingEvent) eventName() string            { return evUserTyping }
func (UserStopTypingEvent) eventName() string        { return evUserStopTyping }
func (UsersOnlineEvent) eventName() string           { return evUsersOnline }
func (UserOnlineEvent) eventName() string            { return evUserOnline }
func (UserOfflineEvent) eventName() string           { return evUserOffline }

// DecodeEvent turns a wire envelope into a typed Event. Unknown event names
// return an error so the caller can log and drop them.
func DecodeEvent(env Envelope) (Event, error) {
	unmarshal := func(v Event) (Event, error) {
		if err := json.Unmarshal(env.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		return v, nil
	}
	switch env.Event {
	case evMessageNew:
		return unmarshal(&MessageNewEvent{})
	case evMessageDeleted:
		return unmarshal(&MessageDeletedEvent{})
	case evConversationBlocked:
		return unmarshal(&ConversationBlockedEvent{})
	case evConversationUnblocked:
		return unmarshal(&ConversationUnblockedEvent{})
	case evUserTyping:
		return unmarshal(&UserTypingEvent{})
	case evUserStopTyping:
		return unmarshal(&UserStopTypingEvent{})
	case evUsersOnline:
		return unmarshal(&UsersOnlineEvent{})
	case evUserOnline:
		return unmarshal(&UserOnlineEvent{})
	case evUserOffline:
		return unmarshal(&UserOfflineEvent{})
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// ============================================================================
// Configuration and state
// ============================================================================

// ConnConfig configures a push-transport connection.
type ConnConfig struct {
	// ReconnectAttempts bounds automatic reconnection; after they are
	// exhausted the connection surfaces a terminal offline state.
	ReconnectAttempts int
	// ReconnectDelay is the fixed pause between attempts.
	ReconnectDelay time.Duration
	// HeartbeatInterval paces websocket-level pings; 0 selects the default.
	HeartbeatInterval time.Duration
	// HTTPClient is used for the websocket dial.
	HTTPClient *http.Client
	// Logger receives connection lifecycle logs.
	Logger *slog.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState is the connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	// StateOffline is terminal: reconnection attempts are exhausted and
	// dependents should show a persistent offline indicator.
	StateOffline ConnState = "offline"
)

// ============================================================================
// Conn
// ============================================================================

// Conn is one persistent push-event connection for one identity. Events are
// delivered room-scoped: only joined conversations receive message and
// typing traffic, which bounds memory and event volume.
type Conn struct {
	identity string
	baseURL  string
	token    string
	config   ConnConfig

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc
	joined           map[string]struct{}

	handler        func(Event)
	onConnected    func()
	onDisconnected func(reason string)
	onOffline      func()
}

func newConn(identity, baseURL, token string, config ConnConfig) *Conn {
	config.defaults()
	return &Conn{
		identity: identity,
		baseURL:  baseURL,
		token:    token,
		config:   config,
		state:    StateDisconnected,
		joined:   make(map[string]struct{}),
	}
}

// OnEvent sets the single event sink. The reconciliation layer is the only
// component that mutates the stores, so there is exactly one sink.
func (c *Conn) OnEvent(h func(Event)) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnConnected registers a callback fired after every successful (re)connect.
func (c *Conn) OnConnected(h func()) {
	c.mu.Lock()
	c.onConnected = h
	c.mu.Unlock()
}

// OnDisconnected registers a callback fired when the transport drops.
func (c *Conn) OnDisconnected(h func(reason string)) {
	c.mu.Lock()
	c.onDisconnected = h
	c.mu.Unlock()
}

// OnOffline registers a callback fired once reconnection is exhausted.
func (c *Conn) OnOffline(h func()) {
	c.mu.Lock()
	c.onOffline = h
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the identity this connection belongs to.
func (c *Conn) Identity() string { return c.identity }

// setToken replaces the credential used for future dials, e.g. after a
// token refresh.
func (c *Conn) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// wsURL derives the websocket endpoint from the service base URL.
func (c *Conn) wsURL() string {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/chat/ws?token=" + token
}

// Connect establishes the websocket connection. Calling Connect while a
// healthy connection exists is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
	})
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return &TransportError{Op: "dial", Err: err}
	}
	// Conversation histories can be large on rejoin bursts.
	ws.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancelFn != nil {
		// Stop any loops still tied to a previous socket.
		c.cancelFn()
	}
	c.ws = ws
	c.state = StateConnected
	c.cancelFn = cancel
	rejoin := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	onConnected := c.onConnected
	c.mu.Unlock()

	c.config.Logger.Info("transport connected", "identity", c.identity)
	if onConnected != nil {
		onConnected()
	}

	// Restore room subscriptions lost with the previous socket.
	for _, id := range rejoin {
		if err := c.send(connCtx, cmdConversationJoin, map[string]string{"conversationId": id}); err != nil {
			c.config.Logger.Warn("rejoin failed", "conversation", id, "error", err)
		}
	}

	go c.readLoop(connCtx, ws)
	go c.heartbeatLoop(connCtx, ws)
	return nil
}

// Disconnect tears the connection down fully. It must be called when the
// identity becomes unauthenticated; a later Connect starts fresh.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.joined = make(map[string]struct{})
	c.mu.Unlock()

	c.config.Logger.Info("transport disconnected", "identity", c.identity)
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// ── Room scoping ─────────────────────────────────────────

// Join subscribes to push events for one conversation.
func (c *Conn) Join(ctx context.Context, conversationID string) error {
	if err := c.send(ctx, cmdConversationJoin, map[string]string{"conversationId": conversationID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.joined[conversationID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Leave unsubscribes a conversation from further room-scoped events.
func (c *Conn) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
	return c.send(ctx, cmdConversationLeave, map[string]string{"conversationId": conversationID})
}

// ── Outbound emissions ───────────────────────────────────

// SendMessage emits a message over the transport. The id is client-generated
// so the echoed message:new event dedupes against the optimistic append.
func (c *Conn) SendMessage(ctx context.Context, m *Message) error {
	return c.send(ctx, cmdMessageSend, m)
}

// StartTyping signals that the local identity is composing.
func (c *Conn) StartTyping(ctx context.Context, conversationID, displayName string) error {
	return c.send(ctx, cmdTypingStart, map[string]string{
		"conversationId": conversationID,
		"displayName":    displayName,
	})
}

// StopTyping clears the local typing signal.
func (c *Conn) StopTyping(ctx context.Context, conversationID string) error {
	return c.send(ctx, cmdTypingStop, map[string]string{"conversationId": conversationID})
}

// MarkMessageRead reports a single read receipt.
func (c *Conn) MarkMessageRead(ctx context.Context, conversationID, messageID string) error {
	return c.send(ctx, cmdMessageRead, map[string]string{
		"conversationId": conversationID,
		"messageId":      messageID,
	})
}

// MarkConversationRead advances the read cursor for a whole conversation.
func (c *Conn) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.send(ctx, cmdConversationMarkRead, map[string]string{"conversationId": conversationID})
}

func (c *Conn) send(ctx context.Context, event string, payload interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{
		Event:     event,
		Payload:   raw,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// ── Read loop and recovery ───────────────────────────────

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			onDisconnected := c.onDisconnected
			if !intentional {
				c.state = StateDisconnected
				c.ws = nil
				// The socket is dead; stop the heartbeat loop now rather
				// than letting it idle until its next ping tick.
				if c.cancelFn != nil {
					c.cancelFn()
					c.cancelFn = nil
				}
			}
			c.mu.Unlock()
			if intentional {
				return
			}

			c.config.Logger.Warn("transport dropped", "identity", c.identity, "error", err)
			if onDisconnected != nil {
				onDisconnected(err.Error())
			}
			go c.reconnect()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.config.Logger.Debug("malformed envelope dropped", "error", err)
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			c.config.Logger.Debug("event dropped", "error", err)
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(ev)
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force the read loop to observe the failure.
				ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// reconnect retries with a fixed delay and a fixed attempt budget. There is
// no exponential backoff: two transition states per field group mean a late
// arrival is harmless, so fast, predictable recovery wins over politeness.
func (c *Conn) reconnect() {
	for attempt := 1; attempt <= c.config.ReconnectAttempts; attempt++ {
		c.mu.Lock()
		if c.intentionalClose {
			c.mu.Unlock()
			return
		}
		c.state = StateReconnecting
		c.mu.Unlock()

		time.Sleep(c.config.ReconnectDelay)

		c.config.Logger.Info("reconnecting",
			"identity", c.identity, "attempt", attempt, "max", c.config.ReconnectAttempts)
		if err := c.Connect(context.Background()); err == nil {
			return
		}
	}

	c.mu.Lock()
	c.state = StateOffline
	onOffline := c.onOffline
	c.mu.Unlock()

	c.config.Logger.Error("reconnect attempts exhausted, going offline", "identity", c.identity)
	if onOffline != nil {
		onOffline()
	}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns one Conn per authenticated identity. It is the only
// way to obtain a Conn, which keeps the one-connection-per-identity rule in
// a single place instead of scattered singletons.
type ConnectionManager struct {
	baseURL string
	config  ConnConfig

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewConnectionManager creates a manager for the given service base URL.
func NewConnectionManager(baseURL string, config ConnConfig) *ConnectionManager {
	config.defaults()
	return &ConnectionManager{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  config,
		conns:   make(map[string]*Conn),
	}
}

// Connect returns the identity's connection, dialing if necessary. When a
// healthy connection already exists the call is a no-op returning it.
func (m *ConnectionManager) Connect(ctx context.Context, identity, credential string) (*Conn, error) {
	m.mu.Lock()
	conn := m.conns[identity]
	if conn == nil {
		conn = newConn(identity, m.baseURL, credential, m.config)
		m.conns[identity] = conn
	} else {
		conn.setToken(credential)
	}
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Conn returns the identity's connection without dialing, creating it if
// needed. Callers use this to register event sinks before the first dial.
func (m *ConnectionManager) Conn(identity, credential string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.conns[identity]
	if conn == nil {
		conn = newConn(identity, m.baseURL, credential, m.config)
		m.conns[identity] = conn
	} else {
		conn.setToken(credential)
	}
	return conn
}

// Get returns the identity's connection without dialing, or nil.
func (m *ConnectionManager) Get(identity string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[identity]
}

// Disconnect fully tears down the identity's connection. A future Connect
// for the same identity starts a fresh Conn.
func (m *ConnectionManager) Disconnect(identity string) error {
	m.mu.Lock()
	conn := m.conns[identity]
	delete(m.conns, identity)
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}
