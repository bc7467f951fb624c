package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "dashgate:tokens:"
	redisFieldAccessToken = "access_token"
	redisFieldRefresh     = "refresh_token"
)

// RedisBackend stores the pair as a hash keyed by profile.
type RedisBackend struct {
	client *redis.Client
	key    string
}

// NewRedisBackend connects using a redis:// or rediss:// URL and verifies the connection.
func NewRedisBackend(ctx context.Context, redisURL string, profile string) (*RedisBackend, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("token_store.redis.parse_url: %w", err)
	}
	client := redis.NewClient(options)
	if pingErr := client.Ping(ctx).Err(); pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("token_store.redis.ping: %w", pingErr)
	}
	return NewRedisBackendFromClient(client, profile), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(client *redis.Client, profile string) *RedisBackend {
	return &RedisBackend{client: client, key: redisKeyPrefix + normalizeProfile(profile)}
}

// Load reads the hash; a missing key yields an empty pair.
func (backend *RedisBackend) Load(ctx context.Context) (TokenPair, error) {
	values, err := backend.client.HGetAll(ctx, backend.key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return TokenPair{}, fmt.Errorf("token_store.redis.load: %w", err)
	}
	return TokenPair{
		AccessToken:  values[redisFieldAccessToken],
		RefreshToken: values[redisFieldRefresh],
	}, nil
}

// Save overwrites both hash fields.
func (backend *RedisBackend) Save(ctx context.Context, pair TokenPair) error {
	err := backend.client.HSet(ctx, backend.key,
		redisFieldAccessToken, pair.AccessToken,
		redisFieldRefresh, pair.RefreshToken,
	).Err()
	if err != nil {
		return fmt.Errorf("token_store.redis.save: %w", err)
	}
	return nil
}

// Clear deletes the hash.
func (backend *RedisBackend) Clear(ctx context.Context) error {
	if err := backend.client.Del(ctx, backend.key).Err(); err != nil {
		return fmt.Errorf("token_store.redis.clear: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (backend *RedisBackend) Close() error {
	return backend.client.Close()
}
