package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Roles and Status
// ============================================================================

// Role is a user's role within the marketplace chat system.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleVendor    Role = "vendor"
	RoleModerator Role = "moderator"
)

// Participating reports whether the role takes part in conversations as a
// member. Moderators only monitor; they never appear in Participants.
func (r Role) Participating() bool {
	return r == RoleCustomer || r == RoleVendor
}

// Status is a conversation's lifecycle state. Exactly one holds at any time.
type Status string

const (
	StatusActive   Status = "active"
	StatusBlocked  Status = "blocked"
	StatusArchived Status = "archived"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusBlocked, StatusArchived:
		return true
	}
	return false
}

// ============================================================================
// Conversation
// ============================================================================

// Participant is a user's membership record within a conversation. The read
// cursor is per-participant, never conversation-global.
type Participant struct {
	UserRef     string    `json:"userRef"`
	DisplayName string    `json:"displayName,omitempty"`
	Role        Role      `json:"role"`
	LastReadAt  time.Time `json:"lastReadAt,omitempty"`
}

// LastMessage is the denormalized summary of a conversation's newest message.
// Preview holds the text body or a type marker for non-text content.
type LastMessage struct {
	Preview   string    `json:"preview"`
	SenderRef string    `json:"senderRef"`
	SentAt    time.Time `json:"sentAt"`
}

// AdminActions records a moderator block. It is present only while the
// conversation status is blocked and is cleared entirely on unblock.
type AdminActions struct {
	BlockedAt time.Time `json:"blockedAt"`
	BlockedBy string    `json:"blockedBy"`
	Reason    string    `json:"reason,omitempty"`
}

// Conversation is a persistent two-party thread, optionally scoped to a
// marketplace listing.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	Status       Status        `json:"status"`
	ListingRef   string        `json:"listingRef,omitempty"`
	LastMessage  *LastMessage  `json:"lastMessage,omitempty"`
	AdminActions *AdminActions `json:"adminActions,omitempty"`
	CreatedAt    time.Time     `json:"createdAt,omitempty"`
}

// Participant returns the membership record for userRef, or nil if userRef
// is not one of the two parties.
func (c *Conversation) Participant(userRef string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserRef == userRef {
			return &c.Participants[i]
		}
	}
	return nil
}

// Counterparty returns the participant that is not userRef, or nil.
func (c *Conversation) Counterparty(userRef string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserRef != userRef {
			return &c.Participants[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Store mutations always swap in a full copy so a
// multi-field update is a single atomic replacement.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	if c.AdminActions != nil {
		aa := *c.AdminActions
		out.AdminActions = &aa
	}
	return &out
}

// ============================================================================
// Message
// ============================================================================

// ContentKind discriminates the message content variant.
type ContentKind string

const (
	ContentText   ContentKind = "text"
	ContentImage  ContentKind = "image"
	ContentFile   ContentKind = "file"
	ContentSystem ContentKind = "system"
)

// Content is a message body: plain text, an image or file reference, or a
// system notice.
type Content struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	FileRef  string      `json:"fileRef,omitempty"`
	FileName string      `json:"fileName,omitempty"`
}

// Preview renders the summary form used for LastMessage.
func (c Content) Preview() string {
	switch c.Kind {
	case ContentImage:
		return "[image]"
	case ContentFile:
		if c.FileName != "" {
			return "[file] " + c.FileName
		}
		return "[file]"
	default:
		return c.Text
	}
}

// Sender identifies who authored a message.
type Sender struct {
	UserRef string `json:"userRef"`
	Role    Role   `json:"role"`
}

// Message is a single entry in a conversation's history.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Content        Content   `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	ReadBy         []string  `json:"readBy"`
	Edited         bool      `json:"edited,omitempty"`
}

// ReadByUser reports whether userRef is in the read set.
func (m *Message) ReadByUser(userRef string) bool {
	for _, r := range m.ReadBy {
		if r == userRef {
			return true
		}
	}
	return false
}

// Read reports whether anyone other than the sender has read the message.
// ReadBy always contains the sender, so a single foreign ref is enough.
func (m *Message) Read() bool {
	for _, r := range m.ReadBy {
		if r != m.Sender.UserRef {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the store.
func (m *Message) Clone() *Message {
	out := *m
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return &out
}

// Summary converts the message into a LastMessage record.
func (m *Message) Summary() *LastMessage {
	return &LastMessage{
		Preview:   m.Content.Preview(),
		SenderRef: m.Sender.UserRef,
		SentAt:    m.CreatedAt,
	}
}

// ============================================================================
// Errors
// ============================================================================

// APIError is a structured rejection from the authoritative source.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// TransportError wraps a connection-level failure of the push transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sentinel errors surfaced by the engine and connection manager.
var (
	// ErrNotConnected is returned when an outbound emission is attempted
	// without a live transport connection.
	ErrNotConnected = fmt.Errorf("chatsync: not connected")

	// ErrReadOnlyRole is returned when a moderator identity attempts a
	// participant-only mutation, or a participant attempts a moderator one.
	ErrReadOnlyRole = fmt.Errorf("chatsync: operation not permitted for role")

	// ErrStaleView marks a result that arrived for a conversation that is no
	// longer the open one. It is discarded internally, never surfaced.
	ErrStaleView = fmt.Errorf("chatsync: stale view result discarded")

	// ErrConversationNotFound is returned for lookups of unknown ids.
	ErrConversationNotFound = fmt.Errorf("chatsync: conversation not found")
)

// ============================================================================
// API envelope
// ============================================================================

// APIResult is the generic response envelope of the conversation service.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err returns the envelope error, or a generic one when the service reported
// a failure without detail.
func (r *APIResult) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return &APIError{Code: "UNKNOWN", Message: "request rejected"}
}
