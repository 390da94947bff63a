package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"zooassist/internal/model"
)

const DefaultContextTTL = 5 * time.Minute

// ContextCache stores assembled conversation contexts in Redis, one key
// per owner. Entries carry the prompt fingerprint they were built from.
type ContextCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewContextCache(client *redisv9.Client, ttl time.Duration) *ContextCache {
	if ttl <= 0 {
		ttl = DefaultContextTTL
	}
	return &ContextCache{client: client, ttl: ttl}
}

func (c *ContextCache) Get(ctx context.Context, owner model.OwnerRef) (*model.ConversationContext, bool, error) {
	raw, err := c.client.Get(ctx, contextKey(owner)).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get context failed: %w", err)
	}

	var value model.ConversationContext
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached context failed: %w", err)
	}
	return &value, true, nil
}

func (c *ContextCache) Set(ctx context.Context, value *model.ConversationContext) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal context cache failed: %w", err)
	}
	if err := c.client.Set(ctx, contextKey(value.Owner), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set context failed: %w", err)
	}
	return nil
}

func (c *ContextCache) Invalidate(ctx context.Context, owner model.OwnerRef) error {
	if err := c.client.Del(ctx, contextKey(owner)).Err(); err != nil {
		return fmt.Errorf("redis delete context failed: %w", err)
	}
	return nil
}

func contextKey(owner model.OwnerRef) string {
	return fmt.Sprintf("zooassist:context:%s:%d", owner.Type, owner.ID)
}
