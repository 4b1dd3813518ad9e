package chatsync

// UnreadCount reports whether a conversation holds a message the viewer has
// not read yet: 1 or 0, derived purely from the last-message summary and the
// viewer's read cursor. The value is never stored; recomputing it on every
// read is what keeps it from drifting.
//
// Rules, in order:
//   - no last message: 0
//   - viewer sent the last message: 0 (never count your own message)
//   - viewer is not a participant (e.g. a moderator view): 0
//   - viewer never read, or the last message is newer than the cursor: 1
func UnreadCount(c *Conversation, viewerRef string) int {
	if c == nil || c.LastMessage == nil {
		return 0
	}
	if c.LastMessage.SenderRef == viewerRef {
		return 0
	}
	p := c.Participant(viewerRef)
	if p == nil {
		return 0
	}
	if p.LastReadAt.IsZero() || c.LastMessage.SentAt.After(p.LastReadAt) {
		return 1
	}
	return 0
}

// TotalUnread is the global badge value: the sum of UnreadCount over all
// cached conversations for the viewer.
func TotalUnread(convs []*Conversation, viewerRef string) int {
	total := 0
	for _, c := range convs {
		total += UnreadCount(c, viewerRef)
	}
	return total
}
