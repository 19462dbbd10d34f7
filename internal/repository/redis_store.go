package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coreidpin/coreidpin-sub005/pkg/crypto"
)

// CooldownStore enforces the per-contact OTP resend cooldown.
type CooldownStore interface {
	// TryAcquire returns false while a cooldown for the key is still live.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// IdempotencyStore caches Start responses by idempotency key so retried
// requests reuse the original reg token.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisStore backs both the cooldown and idempotency stores. Keys are hashed
// before use so raw phone numbers never reach Redis.
type RedisStore struct {
	client *redis.Client
	salt   string
}

func NewRedisStore(client *redis.Client, salt string) *RedisStore {
	return &RedisStore{client: client, salt: salt}
}

func (s *RedisStore) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, "cooldown:"+crypto.Hash(key, s.salt), "1", ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, "idem:"+crypto.Hash(key, s.salt)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return value, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, "idem:"+crypto.Hash(key, s.salt), value, ttl).Err()
}
