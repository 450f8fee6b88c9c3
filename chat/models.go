package chat

import "time"

// MessageKind distinguishes plain text messages from gift messages.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindGift MessageKind = "gift"
)

// MessageStatus tracks delivery progress. The status of a message only
// moves forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// MatchType records how a conversation came to exist. It is metadata only
// and has no effect on message flow.
type MatchType string

const (
	MatchLike MatchType = "like"
	MatchGift MatchType = "gift"
)

// A Profile is the subset of a user profile needed to render a message or
// a mailbox row.
type Profile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// A Gift is a catalog item that can be attached to a gift message.
type Gift struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int    `json:"price"`
	Image string `json:"image"`
}

// A Message is one unit of communication within a conversation. For gift
// messages Content holds the personal note and Gift is populated.
//
// Pending and Failed are client-side only: a pending message has been
// appended optimistically and still carries a temporary id until the
// server-confirmed row replaces it. A failed message is kept visible so
// the user can see what did not go through.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Kind           MessageKind   `json:"kind"`
	Status         MessageStatus `json:"status"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	Sender         *Profile      `json:"sender,omitempty"`
	Gift           *Gift         `json:"gift,omitempty"`
	Pending        bool          `json:"pending,omitempty"`
	Failed         bool          `json:"failed,omitempty"`
}

// A Conversation is a thread between exactly two participants. The
// participant pair is unordered: the thread between A and B resolves the
// same regardless of which side initiated it. LastMessage and
// LastMessageAt are a denormalized preview used to sort and render the
// mailbox without a join.
type Conversation struct {
	ID            string    `json:"id"`
	User1ID       string    `json:"user1_id"`
	User2ID       string    `json:"user2_id"`
	MatchType     MatchType `json:"match_type"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	User1         *Profile  `json:"user1,omitempty"`
	User2         *Profile  `json:"user2,omitempty"`
}

// Peer returns the participant id that is not userID.
func (c Conversation) Peer(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}
