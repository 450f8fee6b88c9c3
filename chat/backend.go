package chat

import "context"

// A Store provides the request/response boundary to the backend. It holds
// no subscription state; live updates are the ChangeFeed's job.
type Store interface {
	// History returns all messages in the conversation ordered by created
	// timestamp ascending, enriched with sender profile and gift details.
	// An empty conversation yields an empty slice, not an error.
	History(ctx context.Context, conversationID string) ([]Message, error)

	// GetMessage returns a single enriched message. Change-feed events
	// carry only the raw row columns, so incoming events are re-fetched
	// through this path before delivery.
	GetMessage(ctx context.Context, messageID string) (Message, error)

	// SendText inserts a text message and then updates the conversation's
	// last-message preview to the literal content. The two writes are not
	// atomic; a failed preview update is tolerated.
	SendText(ctx context.Context, conversationID, senderID, content string) (Message, error)

	// SendGift inserts a gift message carrying a personal note. The
	// mailbox preview is set to a fixed placeholder, never the note.
	SendGift(ctx context.Context, conversationID, senderID, giftID, note string) (Message, error)

	// MarkMessageRead sets status=read and the read timestamp. Idempotent:
	// marking an already-read message is a no-op success.
	MarkMessageRead(ctx context.Context, messageID string) error

	// MarkConversationRead marks every unread message in the conversation
	// that was not sent by readerID. Idempotent.
	MarkConversationRead(ctx context.Context, conversationID, readerID string) error

	// UnreadCount counts messages not sent by readerID with no read
	// timestamp.
	UnreadCount(ctx context.Context, conversationID, readerID string) (int, error)

	// FindOrCreateConversation looks up the conversation between two users
	// by unordered pair, creating it if absent. Safe under concurrent
	// calls from both participants.
	FindOrCreateConversation(ctx context.Context, userA, userB string) (Conversation, error)

	// ListConversations returns every conversation the user participates
	// in, most recent activity first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
}

// A MessageEvent is a raw row-insert notification from the change feed.
// It carries only the new row's identifying columns; the full enriched
// message must be fetched separately.
type MessageEvent struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}

// A Channel is a live, filtered stream of row-insert events for one
// conversation. Events is closed when the channel is torn down.
type Channel interface {
	Events() <-chan MessageEvent
	Close() error
}

// A ChangeFeed opens live channels filtered by conversation id.
type ChangeFeed interface {
	OpenChannel(ctx context.Context, conversationID string) (Channel, error)
}

// A Cache provides a storage layer that caches the mailbox view.
type Cache interface {
	// ListConversations returns the cached mailbox for the user, most
	// recent first. An empty result means a cache miss.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)

	// SetConversations replaces the cached mailbox for the user.
	SetConversations(ctx context.Context, userID string, convs []Conversation) error
}
