// Package chatsync is the composition root: it connects the storage and
// cache backends and hands out per-user messaging sessions.
package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/duetapp/chatsync/chat"
	"github.com/duetapp/chatsync/config"
	"github.com/duetapp/chatsync/postgres"
	"github.com/duetapp/chatsync/redis"
)

// A Client holds the shared backend connections. Sessions created from
// one client share the connection pool but own their subscriptions
// independently.
type Client struct {
	store  chat.Store
	feed   chat.ChangeFeed
	cache  chat.Cache
	logger *slog.Logger
}

// NewLogger builds the process logger from the config's Logger section:
// JSON output by default, human-readable text in development. An
// unknown level falls back to info.
func NewLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if cfg.Logger.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
			level = slog.LevelInfo
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logger.Development {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Dial connects to Postgres and, when configured, Redis. The Redis cache
// is optional: with no address the mailbox is always served from the
// store. A nil logger means build one from the config's Logger section.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = NewLogger(cfg)
	}
	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	var cache chat.Cache
	if cfg.Redis.Addr != "" {
		r, err := redis.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cache = r
	}

	return &Client{
		store:  pg,
		feed:   pg.Feed(),
		cache:  cache,
		logger: logger,
	}, nil
}

// Session returns the messaging surface for one authenticated user.
// Close the session on logout to tear down its live channels.
func (c *Client) Session(userID string) *chat.Session {
	return chat.NewSession(userID, c.store, c.feed, c.cache, c.logger)
}
