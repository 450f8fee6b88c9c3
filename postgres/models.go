package postgres

import (
	"time"

	"github.com/duetapp/chatsync/chat"
)

// A message represents a message row in the database.
type message struct {
	ID             string     `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	ConversationID string     `bun:",notnull,type:uuid"`
	SenderID       string     `bun:",notnull,type:uuid"`
	Content        string     `bun:",notnull"`
	MessageType    string     `bun:"message_type,notnull,default:'text'"`
	GiftID         *string    `bun:",type:uuid,nullzero"`
	Status         string     `bun:",notnull,default:'sent'"`
	ReadAt         *time.Time `bun:",nullzero"`
	CreatedAt      time.Time  `bun:",nullzero,default:now()"`
	Sender         *profile   `bun:"rel:belongs-to,join:sender_id=id"`
	Gift           *gift      `bun:"rel:belongs-to,join:gift_id=id"`
}

// A conversation represents a two-party thread. The unordered participant
// pair is unique:
//
//	CREATE UNIQUE INDEX idx_conversation_pair
//	  ON conversations (least(user1_id, user2_id), greatest(user1_id, user2_id));
type conversation struct {
	ID            string    `bun:",pk,type:uuid,default:uuid_generate_v4()"`
	User1ID       string    `bun:"user1_id,notnull,type:uuid"`
	User2ID       string    `bun:"user2_id,notnull,type:uuid"`
	MatchType     string    `bun:"match_type,notnull,default:'like'"`
	LastMessage   string    `bun:"last_message"`
	LastMessageAt time.Time `bun:",nullzero"`
	CreatedAt     time.Time `bun:",nullzero,default:now()"`
	User1         *profile  `bun:"rel:belongs-to,join:user1_id=id"`
	User2         *profile  `bun:"rel:belongs-to,join:user2_id=id"`
}

type profile struct {
	ID     string `bun:",pk,type:uuid"`
	Name   string `bun:",notnull"`
	Avatar string `bun:",nullzero"`
}

type gift struct {
	ID    string `bun:",pk,type:uuid"`
	Name  string `bun:",notnull"`
	Price int    `bun:",notnull"`
	Image string `bun:",nullzero"`
}

func (m message) ChatMessage() chat.Message {
	out := chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Kind:           chat.MessageKind(m.MessageType),
		Status:         chat.MessageStatus(m.Status),
		ReadAt:         m.ReadAt,
		CreatedAt:      m.CreatedAt,
	}
	if m.Sender != nil {
		out.Sender = m.Sender.ChatProfile()
	}
	if m.Gift != nil {
		out.Gift = m.Gift.ChatGift()
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
	if c.User1 != nil {
		out.User1 = c.User1.ChatProfile()
	}
	if c.User2 != nil {
		out.User2 = c.User2.ChatProfile()
	}
	return out
}

func (p profile) ChatProfile() *chat.Profile {
	return &chat.Profile{
		ID:     p.ID,
		Name:   p.Name,
		Avatar: p.Avatar,
	}
}

func (g gift) ChatGift() *chat.Gift {
	return &chat.Gift{
		ID:    g.ID,
		Name:  g.Name,
		Price: g.Price,
		Image: g.Image,
	}
}
