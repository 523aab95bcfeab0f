package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares hydrated states between API instances.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(redisURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client, ttl), nil
}

func NewRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "hydrate:", ttl: ttl}
}

func (r *Redis) key(commitID string) string {
	return r.prefix + commitID
}

func (r *Redis) Get(ctx context.Context, commitID string) (json.RawMessage, bool, error) {
	raw, err := r.client.Get(ctx, r.key(commitID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read hydrated state: %w", err)
	}
	return json.RawMessage(raw), true, nil
}

func (r *Redis) Put(ctx context.Context, commitID string, state json.RawMessage) error {
	if err := r.client.Set(ctx, r.key(commitID), []byte(state), r.ttl).Err(); err != nil {
		return fmt.Errorf("write hydrated state: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, commitIDs ...string) error {
	if len(commitIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(commitIDs))
	for _, id := range commitIDs {
		keys = append(keys, r.key(id))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("evict hydrated states: %w", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
