package paypal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenStore shares one access token between service instances.
type TokenStore interface {
	// Get returns the token and its remaining lifetime, or "" when absent.
	Get(ctx context.Context) (string, time.Duration, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	Delete(ctx context.Context) error
}

type RedisTokenStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisTokenStore(client redis.Cmdable, clientID string) *RedisTokenStore {
	return &RedisTokenStore{client: client, key: fmt.Sprintf("paypal:token:%s", clientID)}
}

func (s *RedisTokenStore) Get(ctx context.Context) (string, time.Duration, error) {
	tok, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("RedisTokenStore.Get: %w", err)
	}

	ttl, err := s.client.TTL(ctx, s.key).Result()
	if err != nil {
		return "", 0, fmt.Errorf("RedisTokenStore.Get: ttl: %w", err)
	}
	if ttl <= 0 {
		return "", 0, nil
	}
	return tok, ttl, nil
}

func (s *RedisTokenStore) Set(ctx context.Context, token string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("RedisTokenStore.Set: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
