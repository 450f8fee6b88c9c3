package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// A ConversationList maintains the ordered mailbox view for one user:
// every conversation they participate in, most recent activity first.
// The list has no live subscription; it is refreshed on demand.
type ConversationList struct {
	store  Store
	cache  Cache
	logger *slog.Logger
	userID string

	mu      sync.Mutex
	convs   []Conversation
	loading bool
	lastErr error
}

// NewConversationList builds a mailbox view backed by the store, with an
// optional read-through cache (pass nil to go straight to the store).
func NewConversationList(store Store, cache Cache, logger *slog.Logger, userID string) *ConversationList {
	return &ConversationList{
		store:  store,
		cache:  cache,
		logger: logger,
		userID: userID,
	}
}

// Load populates the mailbox, serving from the cache when it has a
// snapshot and falling back to the store otherwise. A cache failure is
// logged and treated as a miss.
func (l *ConversationList) Load(ctx context.Context) error {
	if l.cache != nil {
		convs, err := l.cache.ListConversations(ctx, l.userID)
		if err != nil {
			l.logger.Error("Could not read mailbox cache",
				"user_id", l.userID, "error", err.Error())
		} else if len(convs) > 0 {
			l.set(convs, nil)
			return nil
		}
	}
	return l.Refresh(ctx)
}

// Refresh bypasses the cache, reloads the mailbox from the store and
// repopulates the cache.
func (l *ConversationList) Refresh(ctx context.Context) error {
	l.mu.Lock()
	l.loading = true
	l.mu.Unlock()

	convs, err := l.store.ListConversations(ctx, l.userID)
	if err != nil {
		storeErr := &StoreError{Op: "list conversations", Err: err}
		l.set(nil, storeErr)
		l.logger.Error("Could not load conversations",
			"user_id", l.userID, "error", err.Error())
		return storeErr
	}

	l.set(convs, nil)

	if l.cache != nil {
		if err := l.cache.SetConversations(ctx, l.userID, convs); err != nil {
			l.logger.Error("Could not cache mailbox",
				"user_id", l.userID, "error", err.Error())
		}
	}
	return nil
}

func (l *ConversationList) set(convs []Conversation, err error) {
	if convs == nil {
		convs = []Conversation{}
	}
	// Most recent activity first; ties broken by id so the order is
	// deterministic across refreshes.
	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].LastMessageAt.Equal(convs[j].LastMessageAt) {
			return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
		}
		return convs[i].ID < convs[j].ID
	})

	l.mu.Lock()
	l.loading = false
	if err != nil {
		l.lastErr = err
	} else {
		l.lastErr = nil
		l.convs = convs
	}
	l.mu.Unlock()
}

// Conversations returns a copy of the current ordered mailbox.
func (l *ConversationList) Conversations() []Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Conversation, len(l.convs))
	copy(out, l.convs)
	return out
}

// Loading reports whether a refresh is in flight.
func (l *ConversationList) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// Err returns the last load failure, if any.
func (l *ConversationList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
