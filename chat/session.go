package chat

import (
	"context"
	"log/slog"
)

// A Session is the messaging surface for one authenticated user. It owns
// the subscription registry, so closing the session tears down every
// live channel the user had open.
type Session struct {
	userID   string
	store    Store
	cache    Cache
	registry *Registry
	logger   *slog.Logger
}

// NewSession wires a session for the given user. cache may be nil.
func NewSession(userID string, store Store, feed ChangeFeed, cache Cache, logger *slog.Logger) *Session {
	return &Session{
		userID:   userID,
		store:    store,
		cache:    cache,
		registry: NewRegistry(store, feed, logger),
		logger:   logger,
	}
}

// UserID returns the authenticated user this session belongs to.
func (s *Session) UserID() string { return s.userID }

// Conversation returns a sync core for one conversation view. The caller
// owns its lifecycle: Open on entry, Close on exit.
func (s *Session) Conversation(conversationID string) *ConversationSync {
	return NewConversationSync(s.store, s.registry, s.logger, conversationID, s.userID)
}

// ConversationList returns a mailbox view for the session user.
func (s *Session) ConversationList() *ConversationList {
	return NewConversationList(s.store, s.cache, s.logger, s.userID)
}

// StartConversation finds or creates the thread between the session user
// and another user. Safe when both sides open the thread at once.
func (s *Session) StartConversation(ctx context.Context, otherUserID string) (Conversation, error) {
	return s.store.FindOrCreateConversation(ctx, s.userID, otherUserID)
}

// UnreadCount returns the number of unread messages addressed to the
// session user in the conversation.
func (s *Session) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	return s.store.UnreadCount(ctx, conversationID, s.userID)
}

// Close tears down every live channel. Call on logout or when the app
// backgrounds, so no connection outlives the auth session.
func (s *Session) Close() {
	s.registry.ShutdownAll()
}
