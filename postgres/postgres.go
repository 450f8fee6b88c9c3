package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/duetapp/chatsync/chat"
)

// giftPreview is the fixed mailbox preview for gift messages. The
// personal note attached to a gift must never leak into the mailbox
// list.
const giftPreview = "Sent a gift"

// Postgres provides message and conversation storage in PostgreSQL.
type Postgres struct {
	bun    *bun.DB
	logger *slog.Logger
}

// Connect connects to the database and pings it to ensure the connection
// is working.
func Connect(ctx context.Context, connStr string, logger *slog.Logger) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun:    db,
		logger: logger,
	}, nil
}

// History returns all messages in the conversation ordered by created
// timestamp ascending, with sender and gift relations joined in.
func (pg *Postgres) History(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Relation("Sender").
		Relation("Gift").
		Where("message.conversation_id = ?", conversationID).
		Order("message.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.ChatMessage()
	}
	return out, nil
}

// GetMessage returns a single message with its relations joined in. This
// is the enrichment path for raw change-feed events, which carry only
// the inserted row's columns.
func (pg *Postgres) GetMessage(ctx context.Context, messageID string) (chat.Message, error) {
	var m message
	err := pg.bun.NewSelect().
		Model(&m).
		Relation("Sender").
		Relation("Gift").
		Where("message.id = ?", messageID).
		Scan(ctx)
	if err != nil {
		return chat.Message{}, fmt.Errorf("scan: %w", err)
	}
	return m.ChatMessage(), nil
}

// SendText inserts a text message, notifies the change feed and updates
// the conversation preview. The preview update is a second write and is
// not atomic with the insert; if it fails the message is still
// authoritative and a stale preview is corrected by the next send or a
// list refresh.
func (pg *Postgres) SendText(ctx context.Context, conversationID, senderID, content string) (chat.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return chat.Message{}, chat.ErrEmptyContent
	}
	m := &message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    string(chat.KindText),
		Status:         string(chat.StatusSent),
	}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("insert: %w", err)
	}
	pg.afterInsert(ctx, m)
	return pg.enrich(ctx, m)
}

// SendGift inserts a gift message. The conversation preview is set to a
// fixed placeholder, never the personal note.
func (pg *Postgres) SendGift(ctx context.Context, conversationID, senderID, giftID, note string) (chat.Message, error) {
	if giftID == "" {
		return chat.Message{}, chat.ErrMissingGift
	}
	m := &message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        strings.TrimSpace(note),
		MessageType:    string(chat.KindGift),
		GiftID:         &giftID,
		Status:         string(chat.StatusSent),
	}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return chat.Message{}, fmt.Errorf("insert: %w", err)
	}
	pg.afterInsert(ctx, m)
	return pg.enrich(ctx, m)
}

// afterInsert publishes the insert to the change feed and refreshes the
// conversation's denormalized preview. Both effects are best-effort.
func (pg *Postgres) afterInsert(ctx context.Context, m *message) {
	if err := notifyInsert(ctx, pg.bun, m); err != nil {
		pg.logger.Error("Could not notify change feed",
			"message_id", m.ID, "error", err.Error())
	}
	if _, err := pg.previewUpdateQuery(m).Exec(ctx); err != nil {
		pg.logger.Error("Could not update conversation preview",
			"conversation_id", m.ConversationID, "error", err.Error())
	}
}

// messagePreview is the mailbox preview text for a message: the content
// for text messages, the fixed placeholder for gifts.
func messagePreview(m *message) string {
	if m.MessageType == string(chat.KindGift) {
		return giftPreview
	}
	return m.Content
}

func (pg *Postgres) previewUpdateQuery(m *message) *bun.UpdateQuery {
	return pg.bun.NewUpdate().
		Model((*conversation)(nil)).
		Set("last_message = ?", messagePreview(m)).
		Set("last_message_at = ?", time.Now()).
		Where("id = ?", m.ConversationID)
}

// enrich reloads the inserted row with its relations. If the reload
// fails the bare row is returned instead; the send itself succeeded.
func (pg *Postgres) enrich(ctx context.Context, m *message) (chat.Message, error) {
	out, err := pg.GetMessage(ctx, m.ID)
	if err != nil {
		pg.logger.Error("Could not enrich sent message",
			"message_id", m.ID, "error", err.Error())
		return m.ChatMessage(), nil
	}
	return out, nil
}

// MarkMessageRead sets status=read and the read timestamp. Marking an
// already-read message matches zero rows and succeeds.
func (pg *Postgres) MarkMessageRead(ctx context.Context, messageID string) error {
	if _, err := pg.markMessageReadQuery(messageID).Exec(ctx); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

func (pg *Postgres) markMessageReadQuery(messageID string) *bun.UpdateQuery {
	return pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("status = ?", string(chat.StatusRead)).
		Set("read_at = now()").
		Where("id = ? AND read_at IS NULL", messageID)
}

// MarkConversationRead marks every unread message in the conversation
// not sent by readerID. Idempotent for the same reason as
// MarkMessageRead.
func (pg *Postgres) MarkConversationRead(ctx context.Context, conversationID, readerID string) error {
	if _, err := pg.markConversationReadQuery(conversationID, readerID).Exec(ctx); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}

func (pg *Postgres) markConversationReadQuery(conversationID, readerID string) *bun.UpdateQuery {
	return pg.bun.NewUpdate().
		Model((*message)(nil)).
		Set("status = ?", string(chat.StatusRead)).
		Set("read_at = now()").
		Where("conversation_id = ?", conversationID).
		Where("sender_id != ?", readerID).
		Where("read_at IS NULL")
}

// UnreadCount counts messages in the conversation not sent by readerID
// that have no read timestamp.
func (pg *Postgres) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	count, err := pg.unreadCountQuery(conversationID, readerID).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}

func (pg *Postgres) unreadCountQuery(conversationID, readerID string) *bun.SelectQuery {
	return pg.bun.NewSelect().
		Model((*message)(nil)).
		Where("conversation_id = ?", conversationID).
		Where("sender_id != ?", readerID).
		Where("read_at IS NULL")
}

// FindOrCreateConversation resolves the thread between two users
// regardless of which side initiated it, creating the row on first
// contact. Simultaneous creation by both participants is resolved by the
// unique index over the unordered pair: the losing insert hits the
// conflict, does nothing, and the reload returns the winner's row.
func (pg *Postgres) FindOrCreateConversation(ctx context.Context, userA, userB string) (chat.Conversation, error) {
	conv, err := pg.conversationByPair(ctx, userA, userB)
	if err == nil {
		return conv.ChatConversation(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}

	ins := &conversation{
		User1ID:       userA,
		User2ID:       userB,
		MatchType:     string(chat.MatchLike),
		LastMessageAt: time.Now(),
	}
	if _, err := pg.insertConversationQuery(ins).Exec(ctx); err != nil {
		return chat.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	// Either our insert won or the other participant's did; the row
	// exists now either way.
	conv, err = pg.conversationByPair(ctx, userA, userB)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("reload conversation: %w", err)
	}
	return conv.ChatConversation(), nil
}

// insertConversationQuery tolerates a concurrent create of the same
// pair: the unordered-pair unique index turns the second insert into a
// no-op instead of an error.
func (pg *Postgres) insertConversationQuery(ins *conversation) *bun.InsertQuery {
	return pg.bun.NewInsert().Model(ins).On("CONFLICT DO NOTHING")
}

func (pg *Postgres) conversationByPair(ctx context.Context, userA, userB string) (conversation, error) {
	var conv conversation
	err := pg.pairQuery(&conv, userA, userB).Scan(ctx)
	return conv, err
}

func (pg *Postgres) pairQuery(conv *conversation, userA, userB string) *bun.SelectQuery {
	return pg.bun.NewSelect().
		Model(conv).
		Relation("User1").
		Relation("User2").
		Where("(conversation.user1_id = ? AND conversation.user2_id = ?) OR (conversation.user1_id = ? AND conversation.user2_id = ?)",
			userA, userB, userB, userA).
		Limit(1)
}

// ListConversations returns every conversation the user participates in,
// ordered by last activity descending with id as a deterministic
// tie-break.
func (pg *Postgres) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	var convs []conversation
	err := pg.bun.NewSelect().
		Model(&convs).
		Relation("User1").
		Relation("User2").
		Where("conversation.user1_id = ? OR conversation.user2_id = ?", userID, userID).
		Order("conversation.last_message_at DESC").
		Order("conversation.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	out := make([]chat.Conversation, len(convs))
	for i, c := range convs {
		out[i] = c.ChatConversation()
	}
	return out, nil
}
