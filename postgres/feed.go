package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/duetapp/chatsync/chat"
)

// feedChannel is the Postgres notification channel carrying message
// inserts. The payload is a JSON-encoded chat.MessageEvent written by
// notifyInsert after each insert.
const feedChannel = "message_inserted"

func notifyInsert(ctx context.Context, db *bun.DB, m *message) error {
	payload, err := json.Marshal(chat.MessageEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
	})
	if err != nil {
		return errors.Wrap(err, "marshal payload")
	}
	if err := pgdriver.Notify(ctx, db, feedChannel, string(payload)); err != nil {
		return errors.Wrap(err, "pg_notify")
	}
	return nil
}

// Feed delivers row-insert events over Postgres LISTEN/NOTIFY. Each open
// channel runs its own listener on feedChannel and filters payloads down
// to one conversation.
type Feed struct {
	db     *bun.DB
	logger *slog.Logger
}

// Feed returns a change feed backed by the same connection pool.
func (pg *Postgres) Feed() *Feed {
	return &Feed{db: pg.bun, logger: pg.logger}
}

// OpenChannel starts listening for inserts on one conversation.
func (f *Feed) OpenChannel(ctx context.Context, conversationID string) (chat.Channel, error) {
	ln := pgdriver.NewListener(f.db)
	if err := ln.Listen(ctx, feedChannel); err != nil {
		return nil, errors.Wrap(err, "listen "+feedChannel)
	}
	ch := &pgChannel{
		conversationID: conversationID,
		ln:             ln,
		logger:         f.logger,
		events:         make(chan chat.MessageEvent),
	}
	go ch.pump()
	return ch, nil
}

type pgChannel struct {
	conversationID string
	ln             *pgdriver.Listener
	logger         *slog.Logger
	events         chan chat.MessageEvent

	closeOnce sync.Once
	closeErr  error
}

func (c *pgChannel) pump() {
	defer close(c.events)
	for notif := range c.ln.Channel() {
		var ev chat.MessageEvent
		if err := json.Unmarshal([]byte(notif.Payload), &ev); err != nil {
			c.logger.Error("Could not decode feed payload",
				"channel", notif.Channel, "error", err.Error())
			continue
		}
		if ev.ConversationID != c.conversationID {
			continue
		}
		c.events <- ev
	}
}

func (c *pgChannel) Events() <-chan chat.MessageEvent {
	return c.events
}

// Close stops the listener. The events channel closes once the pump
// drains the listener's remaining notifications.
func (c *pgChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Wrap(c.ln.Close(), "close listener")
	})
	return c.closeErr
}
