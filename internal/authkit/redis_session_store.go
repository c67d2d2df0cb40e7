package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore keeps refresh tokens under RT:<userID> with store-native expiry.
type RedisSessionStore struct {
	client redis.Cmdable
}

// NewRedisSessionStore wraps a go-redis client.
func NewRedisSessionStore(client redis.Cmdable) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Put writes the token with a TTL, replacing any previous value.
func (store *RedisSessionStore) Put(ctx context.Context, userID uint64, refreshToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("session_store.put.redis: %w", ErrSessionInvalidTTL)
	}
	if err := store.client.Set(ctx, SessionKey(userID), refreshToken, ttl).Err(); err != nil {
		return fmt.Errorf("session_store.put.redis: %w", err)
	}
	return nil
}

// Get reads the token; a missing key is reported as not found.
func (store *RedisSessionStore) Get(ctx context.Context, userID uint64) (string, bool, error) {
	value, err := store.client.Get(ctx, SessionKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("session_store.get.redis: %w", err)
	}
	return value, true, nil
}

// Delete removes the key; DEL on a missing key succeeds.
func (store *RedisSessionStore) Delete(ctx context.Context, userID uint64) error {
	if err := store.client.Del(ctx, SessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("session_store.delete.redis: %w", err)
	}
	return nil
}
