package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps reservations in Redis so every instance sees them.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "pocketpal:idem:"}
}

func (c *RedisCache) key(k string) string { return c.prefix + k }

// Reserve uses SET NX so exactly one caller wins a key.
func (c *RedisCache) Reserve(ctx context.Context, key string, rec Record, ttl time.Duration) (Record, bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, err
	}

	ok, err := c.client.SetNX(ctx, c.key(key), data, ttl).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to reserve key in redis: %w", err)
	}
	if ok {
		return Record{}, true, nil
	}

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err == redis.Nil {
		// Expired between SETNX and GET; report it as still in flight so
		// the client retries.
		return Record{State: StatePending, RequestHash: rec.RequestHash}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read key from redis: %w", err)
	}

	var existing Record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return Record{}, false, fmt.Errorf("corrupt idempotency record: %w", err)
	}
	return existing, false, nil
}

func (c *RedisCache) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store result in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release key in redis: %w", err)
	}
	return nil
}
