package chatsync

import (
	"testing"
	"time"
)

func testConversation(id string, status Status) *Conversation {
	return &Conversation{
		ID:     id,
		Status: status,
		Participants: []Participant{
			{UserRef: "cust-1", Role: RoleCustomer},
			{UserRef: "vend-1", Role: RoleVendor},
		},
		ListingRef: "listing-9",
	}
}

func testMessage(id, convID, sender string) *Message {
	return &Message{
		ID:             id,
		ConversationID: convID,
		Sender:         Sender{UserRef: sender, Role: RoleCustomer},
		Content:        Content{Kind: ContentText, Text: "hello"},
		CreatedAt:      time.Now().UTC(),
		ReadBy:         []string{sender},
	}
}

// ============================================================================
// MessageStore
// ============================================================================

func TestMessageStoreAppendIdempotent(t *testing.T) {
	s := NewMessageStore()
	s.Load("conv-1", nil)

	m := testMessage("msg-1", "conv-1", "cust-1")
	if !s.Append(m) {
		t.Fatal("first append should report insertion")
	}
	// Optimistic send and echoed push event carry the same id.
	for i := 0; i < 3; i++ {
		if s.Append(testMessage("msg-1", "conv-1", "cust-1")) {
			t.Fatal("repeated append should be a no-op")
		}
	}
	if s.Len() != 1 {
		t.Fatalf("expected exactly one entry, got %d", s.Len())
	}
}

func TestMessageStoreOrderPreserved(t *testing.T) {
	s := NewMessageStore()
	s.Load("conv-1", nil)
	s.Append(testMessage("a", "conv-1", "cust-1"))
	s.Append(testMessage("b", "conv-1", "vend-1"))
	s.Append(testMessage("c", "conv-1", "cust-1"))
	s.Remove("b")

	got := s.List()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("unexpected order after remove: %+v", got)
	}
}

func TestMessageStoreRemoveIdempotent(t *testing.T) {
	s := NewMessageStore()
	s.Load("conv-1", []*Message{testMessage("m", "conv-1", "cust-1")})
	if !s.Remove("m") {
		t.Fatal("first remove should succeed")
	}
	if s.Remove("m") {
		t.Fatal("second remove should be a no-op")
	}
}

func TestMessageStoreMarkRead(t *testing.T) {
	s := NewMessageStore()
	m := testMessage("m", "conv-1", "cust-1")
	s.Load("conv-1", []*Message{m})

	if m.Read() {
		t.Fatal("message should not count as read with only the sender")
	}
	if !s.MarkRead("m", "vend-1") {
		t.Fatal("expected read set to change")
	}
	if s.MarkRead("m", "vend-1") {
		t.Fatal("repeat mark should be a no-op")
	}
	got := s.Get("m")
	if !got.Read() || !got.ReadByUser("vend-1") || !got.ReadByUser("cust-1") {
		t.Fatalf("unexpected read set: %v", got.ReadBy)
	}
}

func TestMessageStoreLoadReplaces(t *testing.T) {
	s := NewMessageStore()
	s.Load("conv-1", []*Message{testMessage("old", "conv-1", "cust-1")})
	s.Load("conv-2", []*Message{testMessage("new", "conv-2", "vend-1")})

	if s.ConversationID() != "conv-2" {
		t.Fatalf("conversation id = %q, want conv-2", s.ConversationID())
	}
	if s.Get("old") != nil {
		t.Fatal("previous history should be gone")
	}
}

func TestMessageStoreHandsOutCopies(t *testing.T) {
	s := NewMessageStore()
	s.Load("conv-1", nil)
	original := testMessage("m1", "conv-1", "cust-1")
	s.Append(original)

	// Mutations on anything the store returned, or on the appended value,
	// must never reach the stored entry.
	original.Content.Text = "tampered via input"

	got := s.Get("m1")
	got.ReadBy = append(got.ReadBy, "intruder")
	got.Content.Text = "tampered via get"

	listed := s.List()[0]
	listed.ReadBy = append(listed.ReadBy, "other-intruder")

	fresh := s.Get("m1")
	if fresh.Content.Text != "hello" {
		t.Fatalf("stored text = %q, want untouched", fresh.Content.Text)
	}
	if fresh.ReadByUser("intruder") || fresh.ReadByUser("other-intruder") {
		t.Fatalf("stored read set mutated from outside: %v", fresh.ReadBy)
	}
}

// ============================================================================
// ConversationStore
// ============================================================================

func TestConversationStorePrependNoDuplicate(t *testing.T) {
	s := NewConversationStore()
	s.Replace([]*Conversation{testConversation("c1", StatusActive)})

	s.Prepend(testConversation("c2", StatusActive))
	s.Prepend(testConversation("c2", StatusActive))
	s.Prepend(testConversation("c1", StatusActive))

	if s.Len() != 2 {
		t.Fatalf("expected 2 conversations, got %d", s.Len())
	}
	list := s.List()
	if list[0].ID != "c2" || list[1].ID != "c1" {
		t.Fatalf("unexpected order: %s, %s", list[0].ID, list[1].ID)
	}
}

func TestConversationStoreApplyStatusGuard(t *testing.T) {
	s := NewConversationStore()
	s.Replace([]*Conversation{testConversation("c1", StatusActive)})

	blocked := testConversation("c1", StatusBlocked)
	blocked.AdminActions = &AdminActions{
		BlockedAt: time.Now().UTC(),
		BlockedBy: "mod-1",
		Reason:    "spam",
	}

	if !s.ApplyStatus(blocked) {
		t.Fatal("first transition should apply")
	}
	// Second arrival of the same logical transition (direct-call response
	// vs echoed push event) must be discarded.
	if s.ApplyStatus(blocked) {
		t.Fatal("duplicate transition should be discarded")
	}

	got := s.Get("c1")
	if got.Status != StatusBlocked || got.AdminActions == nil || got.AdminActions.Reason != "spam" {
		t.Fatalf("unexpected state after block: %+v", got)
	}
}

func TestConversationStoreUnblockClearsAdminActions(t *testing.T) {
	s := NewConversationStore()
	blocked := testConversation("c1", StatusBlocked)
	blocked.AdminActions = &AdminActions{BlockedAt: time.Now(), BlockedBy: "mod-1", Reason: "spam"}
	s.Replace([]*Conversation{blocked})

	// Server responses sometimes echo the old admin block on the unblock
	// payload; the store must clear it regardless.
	unblocked := testConversation("c1", StatusActive)
	unblocked.AdminActions = &AdminActions{BlockedBy: "mod-1"}

	if !s.ApplyStatus(unblocked) {
		t.Fatal("unblock should apply")
	}
	got := s.Get("c1")
	if got.Status != StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.AdminActions != nil {
		t.Fatalf("admin actions should be cleared, got %+v", got.AdminActions)
	}
}

func TestConversationStoreApplyStatusUnknownConversation(t *testing.T) {
	s := NewConversationStore()
	if s.ApplyStatus(testConversation("ghost", StatusBlocked)) {
		t.Fatal("transition for unknown conversation should be discarded")
	}
}

func TestConversationStoreReplaceWholesale(t *testing.T) {
	s := NewConversationStore()
	s.Replace([]*Conversation{testConversation("a", StatusActive), testConversation("b", StatusActive)})
	s.Replace([]*Conversation{testConversation("c", StatusArchived)})

	if s.Len() != 1 || s.Get("a") != nil {
		t.Fatal("replace should drop the previous cache wholesale")
	}
	if st, ok := s.Status("c"); !ok || st != StatusArchived {
		t.Fatalf("status(c) = %v/%v", st, ok)
	}
}

func TestConversationStoreSetReadCursorMonotonic(t *testing.T) {
	s := NewConversationStore()
	s.Replace([]*Conversation{testConversation("c1", StatusActive)})

	t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if !s.SetReadCursor("c1", "cust-1", t2) {
		t.Fatal("cursor advance should apply")
	}
	if s.SetReadCursor("c1", "cust-1", t1) {
		t.Fatal("cursor must not move backwards")
	}
	got := s.Get("c1").Participant("cust-1")
	if !got.LastReadAt.Equal(t2) {
		t.Fatalf("cursor = %v, want %v", got.LastReadAt, t2)
	}
}

func TestConversationStoreFindByPair(t *testing.T) {
	s := NewConversationStore()
	s.Replace([]*Conversation{testConversation("c1", StatusActive)})

	if got := s.FindByPair("listing-9", "cust-1", "vend-1"); got == nil || got.ID != "c1" {
		t.Fatalf("FindByPair = %v, want c1", got)
	}
	if got := s.FindByPair("other-listing", "cust-1", "vend-1"); got != nil {
		t.Fatal("different listing should not match")
	}
}

func TestConversationStoreRemove(t *testing.T) {
	s := NewConversationStore()
	s.Replace([]*Conversation{testConversation("c1", StatusActive), testConversation("c2", StatusActive)})

	if !s.Remove("c1") {
		t.Fatal("remove should succeed")
	}
	if s.Remove("c1") {
		t.Fatal("second remove should be a no-op")
	}
	if s.Len() != 1 || s.List()[0].ID != "c2" {
		t.Fatalf("unexpected remainder: %v", s.List())
	}
}
