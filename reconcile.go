package chatsync

import "context"

// This file is the event reconciliation layer: it folds inbound push events
// into the stores so that the final state is identical regardless of arrival
// order between a direct call's response and its echoed push event.
//
// The whole trick is one universal idempotence check: "does current state
// already equal the target state". Status transitions are binary per field
// group (blocked/unblocked), so an equality guard substitutes for sequence
// numbers; message appends and deletes are idempotent by id. No event ids,
// no vector clocks.

// handleEvent is the single transport sink. Events for a conversation arrive
// in transport-delivery order and are applied one at a time under the engine
// mutex; notifications fire after the lock is released.
func (e *Engine) handleEvent(ev Event) {
	e.mu.Lock()
	notify := e.apply(ev)
	e.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// apply dispatches exhaustively over the closed event union. It runs with
// e.mu held and returns the notification callbacks to fire afterwards.
func (e *Engine) apply(ev Event) []func() {
	switch ev := ev.(type) {
	case *MessageNewEvent:
		return e.applyMessageNew(ev)

	case *MessageDeletedEvent:
		// Delete is naturally idempotent: remove unconditionally.
		e.msgs.Remove(ev.MessageID)
		return nil

	case *ConversationBlockedEvent:
		return e.applyStatusLocked(ev.Conversation)

	case *ConversationUnblockedEvent:
		return e.applyStatusLocked(ev.Conversation)

	case *UserTypingEvent:
		// Typing is room-scoped: an event tagged for a conversation that is
		// not the open one is discarded so state never leaks across views.
		if ev.ConversationID != e.openID {
			return nil
		}
		e.typing.Start(ev.ConversationID, ev.UserRef, ev.DisplayName)
		return nil

	case *UserStopTypingEvent:
		if ev.ConversationID != e.openID {
			return nil
		}
		e.typing.Stop(ev.ConversationID, ev.UserRef)
		return nil

	case *UsersOnlineEvent:
		e.presence.ReplaceAll(ev.UserRefs)
		return nil

	case *UserOnlineEvent:
		e.presence.SetOnline(ev.UserRef)
		return nil

	case *UserOfflineEvent:
		e.presence.SetOffline(ev.UserRef)
		return nil
	}
	return nil
}

// applyMessageNew folds a pushed message into the stores:
//   - open conversation: append to the history, idempotent by id, so the
//     sender's optimistic append and this echo coexist as one entry
//   - any known conversation: upsert the last-message summary
//   - unknown conversation: a brand-new thread whose first message arrived
//     before the list knew it; refetch the full list once instead of
//     synthesizing a conversation from the event payload
func (e *Engine) applyMessageNew(ev *MessageNewEvent) []func() {
	if ev.Message == nil {
		return nil
	}
	msg := ev.Message

	if _, known := e.convs.Status(ev.ConversationID); !known {
		if e.convs.Loaded() && !e.refetching {
			e.refetching = true
			go e.refetchConversations()
		}
		return nil
	}

	appended := true
	if e.openID == ev.ConversationID {
		appended = e.msgs.Append(msg)
	}
	e.convs.SetLastMessage(ev.ConversationID, msg.Summary())

	if appended && e.onMessage != nil && msg.Sender.UserRef != e.identity.UserRef {
		return []func(){func() { e.onMessage(msg) }}
	}
	return nil
}

// refetchConversations reloads the list after a message for an unknown
// conversation. Runs outside the engine mutex; Replace is atomic.
func (e *Engine) refetchConversations() {
	defer func() {
		e.mu.Lock()
		e.refetching = false
		e.mu.Unlock()
	}()
	if err := e.LoadConversations(context.Background()); err != nil {
		e.logger.Warn("conversation refetch failed", "error", err)
	}
}

// applyStatusChange is the shared guarded path for status transitions, used
// by both the direct-call response and the push event. Acquires e.mu.
func (e *Engine) applyStatusChange(full *Conversation) {
	e.mu.Lock()
	notify := e.applyStatusLocked(full)
	e.mu.Unlock()
	for _, fn := range notify {
		fn()
	}
}

// applyStatusLocked applies the full field set of a status transition as one
// atomic conversation replacement. If the cached status already equals the
// target the event is discarded: no mutation, no notification. Runs with
// e.mu held.
func (e *Engine) applyStatusLocked(full *Conversation) []func() {
	if full == nil {
		return nil
	}
	if !e.convs.ApplyStatus(full) {
		return nil
	}
	if e.onStatusChanged != nil {
		changed := e.convs.Get(full.ID)
		return []func(){func() { e.onStatusChanged(changed) }}
	}
	return nil
}
