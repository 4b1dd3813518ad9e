package chatsync

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a typing entry survives without a refresh
// before it is dropped client-side, matching the composer's silence window.
const DefaultTypingTimeout = 2 * time.Second

// ============================================================================
// PresenceTracker
// ============================================================================

// PresenceTracker holds the set of users currently online. The set lives only
// while the transport connection is alive: it resets to empty on reconnect
// and repopulates once the transport re-broadcasts current state, so stale
// "online" indicators never survive a drop.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]struct{}
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]struct{})}
}

// SetOnline marks userRef as online.
func (t *PresenceTracker) SetOnline(userRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online[userRef] = struct{}{}
}

// SetOffline removes userRef from the online set.
func (t *PresenceTracker) SetOffline(userRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.online, userRef)
}

// ReplaceAll swaps the whole set, used for the transport's bulk broadcast.
func (t *PresenceTracker) ReplaceAll(userRefs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{}, len(userRefs))
	for _, u := range userRefs {
		t.online[u] = struct{}{}
	}
}

// IsOnline reports whether userRef is currently online.
func (t *PresenceTracker) IsOnline(userRef string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[userRef]
	return ok
}

// Reset empties the set. Called on every disconnect and reconnect.
func (t *PresenceTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{})
}

// Count returns the number of users known online.
func (t *PresenceTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.online)
}

// ============================================================================
// TypingTracker
// ============================================================================

type typingEntry struct {
	name  string
	timer *time.Timer
}

// TypingTracker holds the ephemeral per-conversation map of who is typing.
// Entries are cleared by an explicit stop signal or by a silence timeout,
// and are never persisted or attached to the Conversation entity.
type TypingTracker struct {
	mu      sync.Mutex
	timeout time.Duration
	rooms   map[string]map[string]*typingEntry
}

// NewTypingTracker creates a tracker with the given silence timeout;
// zero selects DefaultTypingTimeout.
func NewTypingTracker(timeout time.Duration) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		timeout: timeout,
		rooms:   make(map[string]map[string]*typingEntry),
	}
}

// Start records that userRef is typing in conversationID. A repeat signal
// refreshes the silence timer.
func (t *TypingTracker) Start(conversationID, userRef, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[conversationID]
	if room == nil {
		room = make(map[string]*typingEntry)
		t.rooms[conversationID] = room
	}
	if e := room[userRef]; e != nil {
		e.name = name
		e.timer.Reset(t.timeout)
		return
	}
	room[userRef] = &typingEntry{
		name: name,
		timer: time.AfterFunc(t.timeout, func() {
			t.Stop(conversationID, userRef)
		}),
	}
}

// Stop removes userRef's typing entry for conversationID.
func (t *TypingTracker) Stop(conversationID, userRef string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[conversationID]
	if room == nil {
		return
	}
	if e := room[userRef]; e != nil {
		e.timer.Stop()
		delete(room, userRef)
	}
	if len(room) == 0 {
		delete(t.rooms, conversationID)
	}
}

// Names returns the display names of users typing in conversationID,
// excluding excludeRef so a self-echo never shows the local identity.
func (t *TypingTracker) Names(conversationID, excludeRef string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[conversationID]
	if len(room) == 0 {
		return nil
	}
	names := make([]string, 0, len(room))
	for ref, e := range room {
		if ref == excludeRef {
			continue
		}
		names = append(names, e.name)
	}
	return names
}

// ClearConversation drops all typing state for one conversation, used when
// its view closes.
func (t *TypingTracker) ClearConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.rooms[conversationID] {
		e.timer.Stop()
	}
	delete(t.rooms, conversationID)
}

// Reset drops all typing state everywhere.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, room := range t.rooms {
		for _, e := range room {
			e.timer.Stop()
		}
	}
	t.rooms = make(map[string]map[string]*typingEntry)
}
