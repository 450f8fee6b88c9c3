package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duetapp/chatsync/chat"
)

// Redis caches the mailbox view: one sorted set per user scored by
// last-message time, pointing at per-conversation hashes.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure
// the connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

const (
	mailboxPrefix      = "mailbox"
	conversationPrefix = "conversations"

	// mailboxTTL bounds how stale a cached mailbox can get; a refresh
	// resets it.
	mailboxTTL = time.Minute
)

func mailboxKey(userID string) string {
	return fmt.Sprintf("%s:%s", mailboxPrefix, userID)
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("%s:%s", conversationPrefix, conversationID)
}

// ListConversations returns the cached mailbox for the user, most recent
// activity first. An empty result means the cache holds nothing for this
// user.
func (r *Redis) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	keys, err := r.cli.ZRevRangeByScore(ctx, mailboxKey(userID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixNano()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}

	out := make([]chat.Conversation, 0, len(keys))
	for _, key := range keys {
		var conv conversation
		if err := r.cli.HGetAll(ctx, key).Scan(&conv); err != nil {
			return nil, fmt.Errorf("hgetall: %w", err)
		}
		if conv.ID == "" {
			// The hash expired underneath the sorted set; treat the
			// snapshot as incomplete.
			return nil, nil
		}
		out = append(out, conv.ChatConversation())
	}

	return out, nil
}

// SetConversations replaces the user's cached mailbox with the given
// snapshot.
func (r *Redis) SetConversations(ctx context.Context, userID string, convs []chat.Conversation) error {
	boxKey := mailboxKey(userID)

	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, boxKey)
			for _, c := range convs {
				key := conversationKey(c.ID)
				pipe.HSet(ctx, key, fromChat(c))
				pipe.Expire(ctx, key, mailboxTTL)
				pipe.ZAdd(ctx, boxKey, redis.Z{
					Score:  float64(c.LastMessageAt.UnixNano()),
					Member: key,
				})
			}
			pipe.Expire(ctx, boxKey, mailboxTTL)
			return nil
		})
		return err
	}, boxKey)

	if err != nil {
		return fmt.Errorf("redis set conversations: %w", err)
	}
	return nil
}
