package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated user the engine synchronizes state for.
type Identity struct {
	UserRef     string
	DisplayName string
	Role        Role
}

// EngineOptions tunes an Engine. The zero value is usable.
type EngineOptions struct {
	// Manager supplies transport connections; a private one is created when
	// nil. Injecting it lets several engines share the per-identity rule.
	Manager *ConnectionManager
	// Conn overrides the transport config used when Manager is nil.
	Conn ConnConfig
	// TypingTimeout overrides the typing silence window.
	TypingTimeout time.Duration
	// Logger receives engine logs.
	Logger *slog.Logger

	// OnMessage fires once per newly stored message; the idempotent append
	// suppresses a second firing for the echoed push event.
	OnMessage func(*Message)
	// OnStatusChanged fires once per applied status transition; duplicate
	// events suppressed by the equality guard never fire it.
	OnStatusChanged func(*Conversation)
	// OnOffline fires when transport reconnection is exhausted.
	OnOffline func()
}

// Engine is the conversation synchronization engine for one identity. It
// owns the stores and is the only writer to them: direct-call results and
// reconciled push events both funnel through it, serialized under one mutex
// so no mutation interleaves with another mid-update.
type Engine struct {
	client   *Client
	manager  *ConnectionManager
	identity Identity
	logger   *slog.Logger

	convs    *ConversationStore
	msgs     *MessageStore
	presence *PresenceTracker
	typing   *TypingTracker

	onMessage       func(*Message)
	onStatusChanged func(*Conversation)
	onOffline       func()

	mu         sync.Mutex
	conn       *Conn
	openID     string
	refetching bool
	offline    bool
}

// NewEngine creates an engine for the identity. opts may be nil.
func NewEngine(client *Client, identity Identity, opts *EngineOptions) *Engine {
	if opts == nil {
		opts = &EngineOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager := opts.Manager
	if manager == nil {
		cc := opts.Conn
		if cc.Logger == nil {
			cc.Logger = logger
		}
		manager = NewConnectionManager(client.BaseURL(), cc)
	}
	return &Engine{
		client:          client,
		manager:         manager,
		identity:        identity,
		logger:          logger.With("user", identity.UserRef, "role", string(identity.Role)),
		convs:           NewConversationStore(),
		msgs:            NewMessageStore(),
		presence:        NewPresenceTracker(),
		typing:          NewTypingTracker(opts.TypingTimeout),
		onMessage:       opts.OnMessage,
		onStatusChanged: opts.OnStatusChanged,
		onOffline:       opts.OnOffline,
	}
}

// ============================================================================
// Transport lifecycle
// ============================================================================

// Connect establishes the identity's push connection and wires the
// reconciliation layer as its single event sink. A second call while the
// connection is healthy is a no-op.
func (e *Engine) Connect(ctx context.Context) error {
	conn := e.manager.Conn(e.identity.UserRef, e.client.Token())
	conn.OnEvent(e.handleEvent)
	conn.OnConnected(func() {
		// Presence is only meaningful while the transport lives; start
		// empty until the server re-broadcasts the online set.
		e.presence.Reset()
		e.mu.Lock()
		e.offline = false
		e.mu.Unlock()
	})
	conn.OnDisconnected(func(string) {
		e.presence.Reset()
		e.typing.Reset()
	})
	conn.OnOffline(func() {
		e.mu.Lock()
		e.offline = true
		e.mu.Unlock()
		if e.onOffline != nil {
			e.onOffline()
		}
	})

	if err := conn.Connect(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	return nil
}

// Disconnect fully tears down the push connection and ephemeral state. The
// conversation and message caches survive; they are rebuilt from the
// authoritative source anyway on the next session.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	e.conn = nil
	e.openID = ""
	e.mu.Unlock()
	e.presence.Reset()
	e.typing.Reset()
	return e.manager.Disconnect(e.identity.UserRef)
}

// Offline reports whether the transport has exhausted reconnection and the
// UI should show a persistent offline indicator.
func (e *Engine) Offline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offline
}

func (e *Engine) liveConn() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// ============================================================================
// Conversation operations
// ============================================================================

// LoadConversations fetches the full list and replaces the cache wholesale.
// On failure the previous cache is left intact and the error is returned.
func (e *Engine) LoadConversations(ctx context.Context) error {
	list, err := e.client.Conversations.List(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	e.convs.Replace(list)
	return nil
}

// CreateOrGet returns the conversation with counterpartyRef about a listing,
// creating it on first contact. The result is prepended to the cache only if
// absent, so calling twice never duplicates the thread.
func (e *Engine) CreateOrGet(ctx context.Context, listingRef, counterpartyRef string) (*Conversation, error) {
	if err := e.requireParticipant(); err != nil {
		return nil, err
	}
	conv, err := e.client.Conversations.CreateOrGet(ctx, listingRef, counterpartyRef)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	e.convs.Prepend(conv)
	return e.convs.Get(conv.ID), nil
}

// Block transitions a conversation to blocked. Moderator only.
func (e *Engine) Block(ctx context.Context, id, reason string) error {
	if err := e.requireModerator(); err != nil {
		return err
	}
	return e.setStatus(ctx, id, StatusBlocked, reason)
}

// Unblock returns a blocked conversation to active, clearing AdminActions
// entirely. Moderator only.
func (e *Engine) Unblock(ctx context.Context, id string) error {
	if err := e.requireModerator(); err != nil {
		return err
	}
	return e.setStatus(ctx, id, StatusActive, "")
}

// Archive moves a conversation to archived. Participant only.
func (e *Engine) Archive(ctx context.Context, id string) error {
	if err := e.requireParticipant(); err != nil {
		return err
	}
	return e.setStatus(ctx, id, StatusArchived, "")
}

// setStatus performs the direct call and applies the full returned object
// through the same guarded path the push event uses, so whichever arrives
// second is a no-op.
func (e *Engine) setStatus(ctx context.Context, id string, status Status, reason string) error {
	full, err := e.client.Conversations.SetStatus(ctx, id, status, reason)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	e.applyStatusChange(full)
	return nil
}

// RemoveConversation deletes a conversation for the caller. If it was the
// open conversation its message history and typing state are cleared too.
func (e *Engine) RemoveConversation(ctx context.Context, id string) error {
	if err := e.requireParticipant(); err != nil {
		return err
	}
	if err := e.client.Conversations.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	e.convs.Remove(id)

	e.mu.Lock()
	wasOpen := e.openID == id
	conn := e.conn
	if wasOpen {
		e.openID = ""
	}
	e.mu.Unlock()

	if wasOpen {
		e.msgs.Clear()
		e.typing.ClearConversation(id)
		if conn != nil {
			if err := conn.Leave(ctx, id); err != nil {
				e.logger.Warn("leave after remove failed", "conversation", id, "error", err)
			}
		}
	}
	return nil
}

// ============================================================================
// Open conversation
// ============================================================================

// OpenConversation makes id the open conversation: loads its history, joins
// its event room and marks it read. If the user navigates away before the
// history round trip resolves, the stale result is discarded silently.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	prev := e.openID
	e.openID = id
	conn := e.conn
	e.mu.Unlock()

	if prev != "" && prev != id {
		e.msgs.Clear()
		e.typing.ClearConversation(prev)
		if conn != nil {
			if err := conn.Leave(ctx, prev); err != nil {
				e.logger.Warn("leave failed", "conversation", prev, "error", err)
			}
		}
	}

	history, err := e.client.Messages.List(ctx, id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	e.mu.Lock()
	stale := e.openID != id
	e.mu.Unlock()
	if stale {
		// Expected under normal navigation; not surfaced.
		e.logger.Debug("history discarded", "conversation", id, "reason", ErrStaleView)
		return nil
	}
	e.msgs.Load(id, history)

	if conn != nil {
		if err := conn.Join(ctx, id); err != nil {
			return err
		}
	}
	return e.MarkConversationRead(ctx, id)
}

// CloseConversation leaves the open conversation's event room and drops its
// history and typing state.
func (e *Engine) CloseConversation(ctx context.Context) error {
	e.mu.Lock()
	id := e.openID
	e.openID = ""
	conn := e.conn
	e.mu.Unlock()
	if id == "" {
		return nil
	}
	e.msgs.Clear()
	e.typing.ClearConversation(id)
	if conn != nil {
		return conn.Leave(ctx, id)
	}
	return nil
}

// OpenConversationID returns the id of the open conversation, or "".
func (e *Engine) OpenConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openID
}

// ============================================================================
// Message operations
// ============================================================================

// SendText emits a text message for the open conversation. The message id is
// generated client-side and appended optimistically; the echoed message:new
// event dedupes against it by id.
func (e *Engine) SendText(ctx context.Context, text string) (*Message, error) {
	if err := e.requireParticipant(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	id := e.openID
	conn := e.conn
	e.mu.Unlock()
	if id == "" {
		return nil, ErrConversationNotFound
	}
	if conn == nil {
		return nil, ErrNotConnected
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: id,
		Sender:         Sender{UserRef: e.identity.UserRef, Role: e.identity.Role},
		Content:        Content{Kind: ContentText, Text: text},
		CreatedAt:      time.Now().UTC(),
		ReadBy:         []string{e.identity.UserRef},
	}

	var prevSummary *LastMessage
	if conv := e.convs.Get(id); conv != nil {
		prevSummary = conv.LastMessage
	}

	e.msgs.Append(msg)
	e.convs.SetLastMessage(id, msg.Summary())

	if err := conn.SendMessage(ctx, msg); err != nil {
		// Roll back the whole optimistic update, summary included.
		e.msgs.Remove(msg.ID)
		e.convs.SetLastMessage(id, prevSummary)
		return nil, err
	}
	return msg, nil
}

// SendAttachment uploads data and sends it as an image or file message in
// the open conversation via the authoritative source.
func (e *Engine) SendAttachment(ctx context.Context, fileName string, data []byte, caption string) (*Message, error) {
	if err := e.requireParticipant(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	id := e.openID
	e.mu.Unlock()
	if id == "" {
		return nil, ErrConversationNotFound
	}

	msg, err := e.client.Files.UploadAttachmentMessage(ctx, id, fileName, data, caption)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	stale := e.openID != id
	e.mu.Unlock()
	if !stale {
		e.msgs.Append(msg)
	}
	e.convs.SetLastMessage(id, msg.Summary())
	return msg, nil
}

// DeleteMessage removes a message permanently via the authoritative source
// and from the local history. The echoed push event is a harmless repeat.
func (e *Engine) DeleteMessage(ctx context.Context, id string) error {
	if err := e.requireParticipant(); err != nil {
		return err
	}
	if err := e.client.Messages.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.msgs.Remove(id)
	return nil
}

// MarkConversationRead advances the local read cursor, marks loaded messages
// read, and reports the cursor move over the transport.
func (e *Engine) MarkConversationRead(ctx context.Context, id string) error {
	if !e.identity.Role.Participating() {
		return nil // a monitor never moves cursors
	}
	now := time.Now().UTC()
	e.convs.SetReadCursor(id, e.identity.UserRef, now)
	if e.msgs.ConversationID() == id {
		e.msgs.MarkAllRead(e.identity.UserRef)
	}
	if conn := e.liveConn(); conn != nil {
		return conn.MarkConversationRead(ctx, id)
	}
	return nil
}

// StartTyping signals composing activity in the open conversation.
func (e *Engine) StartTyping(ctx context.Context) error {
	if err := e.requireParticipant(); err != nil {
		return err
	}
	e.mu.Lock()
	id := e.openID
	conn := e.conn
	e.mu.Unlock()
	if id == "" || conn == nil {
		return nil
	}
	return conn.StartTyping(ctx, id, e.identity.DisplayName)
}

// StopTyping clears the composing signal in the open conversation.
func (e *Engine) StopTyping(ctx context.Context) error {
	if err := e.requireParticipant(); err != nil {
		return err
	}
	e.mu.Lock()
	id := e.openID
	conn := e.conn
	e.mu.Unlock()
	if id == "" || conn == nil {
		return nil
	}
	return conn.StopTyping(ctx, id)
}

// ============================================================================
// Read-side interface
// ============================================================================

// Conversations returns the cached conversation list in cache order.
func (e *Engine) Conversations() []*Conversation {
	return e.convs.List()
}

// Conversation returns one cached conversation, or nil.
func (e *Engine) Conversation(id string) *Conversation {
	return e.convs.Get(id)
}

// OpenMessages returns the open conversation's history in order.
func (e *Engine) OpenMessages() []*Message {
	return e.msgs.List()
}

// Unread derives the unread count for one conversation for this identity.
func (e *Engine) Unread(id string) int {
	return UnreadCount(e.convs.Get(id), e.identity.UserRef)
}

// UnreadTotal derives the global unread badge for this identity. It is
// recomputed from the cursors on every call, never cached.
func (e *Engine) UnreadTotal() int {
	return TotalUnread(e.convs.List(), e.identity.UserRef)
}

// TypingNames returns who is typing in a conversation, excluding the local
// identity even if a self-echo arrives.
func (e *Engine) TypingNames(conversationID string) []string {
	return e.typing.Names(conversationID, e.identity.UserRef)
}

// IsOnline reports live presence for a user.
func (e *Engine) IsOnline(userRef string) bool {
	return e.presence.IsOnline(userRef)
}

// Identity returns the engine's identity.
func (e *Engine) Identity() Identity { return e.identity }

// ============================================================================
// Role gates
// ============================================================================

func (e *Engine) requireParticipant() error {
	if !e.identity.Role.Participating() {
		return ErrReadOnlyRole
	}
	return nil
}

func (e *Engine) requireModerator() error {
	if e.identity.Role != RoleModerator {
		return ErrReadOnlyRole
	}
	return nil
}
