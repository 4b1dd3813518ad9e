package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// ConversationStore
// ============================================================================

// ConversationStore is the authoritative in-memory cache of the conversation
// list for one identity. It is rebuilt from the conversation service on each
// session start; nothing here is persisted.
//
// Every mutation replaces whole Conversation values, never individual fields,
// so readers can never observe a half-applied status transition.
type ConversationStore struct {
	mu     sync.RWMutex
	order  []string
	byID   map[string]*Conversation
	loaded bool
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{byID: make(map[string]*Conversation)}
}

// Replace swaps in a freshly fetched list wholesale, preserving server order.
// It is only called after a successful list fetch; a failed fetch leaves the
// previous cache intact.
func (s *ConversationStore) Replace(convs []*Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = s.order[:0]
	s.byID = make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		if _, dup := s.byID[c.ID]; dup {
			continue
		}
		s.order = append(s.order, c.ID)
		s.byID[c.ID] = c.Clone()
	}
	s.loaded = true
}

// Loaded reports whether an initial list fetch has completed.
func (s *ConversationStore) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Get returns a copy of the conversation, or nil if unknown.
func (s *ConversationStore) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.byID[id]
	if c == nil {
		return nil
	}
	return c.Clone()
}

// Status returns the cached status and whether the conversation is known.
func (s *ConversationStore) Status(id string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.byID[id]
	if c == nil {
		return "", false
	}
	return c.Status, true
}

// List returns copies of all cached conversations in cache order.
func (s *ConversationStore) List() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Len returns the number of cached conversations.
func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Prepend inserts the conversation at the head of the list if it is not
// already cached. A second insert of the same id is a no-op, which makes
// createOrGet idempotent from the cache's point of view.
func (s *ConversationStore) Prepend(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[c.ID]; exists {
		return
	}
	s.byID[c.ID] = c.Clone()
	s.order = append([]string{c.ID}, s.order...)
}

// Put replaces a cached conversation atomically with the full object. If the
// id is unknown it is appended, keeping cache order stable for known ids.
func (s *ConversationStore) Put(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[c.ID]; !exists {
		s.order = append(s.order, c.ID)
	}
	s.byID[c.ID] = c.Clone()
}

// ApplyStatus applies a status transition from the full object returned by
// the authoritative source or carried by a push event.
//
// Guard rule: if the cached status already equals the target the mutation is
// skipped and false is returned. Both the direct-call response and the echoed
// push event report the same logical transition; the equality check makes the
// second arrival a no-op regardless of order.
func (s *ConversationStore) ApplyStatus(full *Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byID[full.ID]
	if cur == nil {
		return false
	}
	if cur.Status == full.Status {
		return false
	}
	next := full.Clone()
	if next.Status != StatusBlocked {
		next.AdminActions = nil
	}
	s.byID[full.ID] = next
	return true
}

// Remove deletes a conversation from the cache and reports whether it was
// present.
func (s *ConversationStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; !exists {
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// SetLastMessage upserts the denormalized summary for a conversation.
func (s *ConversationStore) SetLastMessage(id string, lm *LastMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byID[id]
	if cur == nil {
		return false
	}
	next := cur.Clone()
	next.LastMessage = lm
	s.byID[id] = next
	return true
}

// SetReadCursor advances a participant's read cursor. Cursors only move
// forward; an older timestamp is ignored.
func (s *ConversationStore) SetReadCursor(id, userRef string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.byID[id]
	if cur == nil {
		return false
	}
	next := cur.Clone()
	p := next.Participant(userRef)
	if p == nil || !at.After(p.LastReadAt) {
		return false
	}
	p.LastReadAt = at
	s.byID[id] = next
	return true
}

// FindByPair returns the cached conversation between the two parties about a
// listing, or nil. Used to answer createOrGet from cache.
func (s *ConversationStore) FindByPair(listingRef, userA, userB string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		c := s.byID[id]
		if c.ListingRef != listingRef {
			continue
		}
		if c.Participant(userA) != nil && c.Participant(userB) != nil {
			return c.Clone()
		}
	}
	return nil
}

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the ordered history of the single conversation currently
// open. Messages keep insertion order; they are never resorted after insert.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	order          []string
	byID           map[string]*Message
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]*Message)}
}

// Load replaces the open message list with history for conversationID.
func (s *MessageStore) Load(conversationID string, msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.order = s.order[:0]
	s.byID = make(map[string]*Message, len(msgs))
	for _, m := range msgs {
		if _, dup := s.byID[m.ID]; dup {
			continue
		}
		s.order = append(s.order, m.ID)
		s.byID[m.ID] = m.Clone()
	}
}

// ConversationID returns the id of the conversation whose history is loaded,
// or "" when no conversation is open.
func (s *MessageStore) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Append adds a message if its id is not already present. The sender's own
// optimistic append and the echoed push event both call this; the id check
// keeps exactly one entry.
func (s *MessageStore) Append(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[m.ID]; exists {
		return false
	}
	s.order = append(s.order, m.ID)
	s.byID[m.ID] = m.Clone()
	return true
}

// Remove deletes a message permanently. Delete is naturally idempotent.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[id]; !exists {
		return false
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// MarkRead adds readerRef to the message's read set if absent.
func (s *MessageStore) MarkRead(id, readerRef string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID[id]
	if m == nil || m.ReadByUser(readerRef) {
		return false
	}
	m.ReadBy = append(m.ReadBy, readerRef)
	return true
}

// MarkAllRead adds readerRef to every loaded message's read set and returns
// the ids that changed.
func (s *MessageStore) MarkAllRead(readerRef string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, id := range s.order {
		m := s.byID[id]
		if !m.ReadByUser(readerRef) {
			m.ReadBy = append(m.ReadBy, readerRef)
			changed = append(changed, id)
		}
	}
	return changed
}

// Get returns a copy of the message by id, or nil.
func (s *MessageStore) Get(id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byID[id]
	if m == nil {
		return nil
	}
	return m.Clone()
}

// List returns copies of the loaded history in insertion order.
func (s *MessageStore) List() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Len returns the number of loaded messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear drops the loaded history, e.g. when the open conversation is removed.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = ""
	s.order = s.order[:0]
	s.byID = make(map[string]*Message)
}
