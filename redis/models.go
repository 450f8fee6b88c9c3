package redis

import (
	"time"

	"github.com/duetapp/chatsync/chat"
)

// A conversation represents a cached mailbox row. Participant profiles
// are flattened so the whole row fits in one hash.
type conversation struct {
	ID            string    `redis:"id"`
	User1ID       string    `redis:"user1_id"`
	User2ID       string    `redis:"user2_id"`
	User1Name     string    `redis:"user1_name"`
	User2Name     string    `redis:"user2_name"`
	User1Avatar   string    `redis:"user1_avatar"`
	User2Avatar   string    `redis:"user2_avatar"`
	MatchType     string    `redis:"match_type"`
	LastMessage   string    `redis:"last_message"`
	LastMessageAt time.Time `redis:"last_message_at"`
	CreatedAt     time.Time `redis:"created_at"`
}

func fromChat(c chat.Conversation) *conversation {
	out := &conversation{
		ID:            c.ID,
		User1ID:       c.User1ID,
		User2ID:       c.User2ID,
		MatchType:     string(c.MatchType),
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
	}
	if c.User1 != nil {
		out.User1Name = c.User1.Name
		out.User1Avatar = c.User1.Avatar
	}
	if c.User2 != nil {
		out.User2Name = c.User2.Name
		out.User2Avatar = c.User2.Avatar
	}
	return out
}

func (c conversation) ChatConversation() chat.Conversation {
	out := chat.Conversation{
		ID:            c.ID,
		User1ID:       c.User1ID,
		User2ID:       c.User2ID,
		MatchType:     chat.MatchType(c.MatchType),
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
	}
	if c.User1Name != "" || c.User1Avatar != "" {
		out.User1 = &chat.Profile{ID: c.User1ID, Name: c.User1Name, Avatar: c.User1Avatar}
	}
	if c.User2Name != "" || c.User2Avatar != "" {
		out.User2 = &chat.Profile{ID: c.User2ID, Name: c.User2Name, Avatar: c.User2Avatar}
	}
	return out
}
