// Package redisstore backs the idempotency key store with redis SETNX.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "webhook:dedupe:"

type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Check reports whether the key is already recorded.
func (s *Store) Check(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Record claims the key with the configured TTL. Claiming an existing key
// is not an error; the durable guard already decided this delivery's fate.
func (s *Store) Record(ctx context.Context, key string) error {
	return s.client.SetNX(ctx, keyPrefix+key, "1", s.ttl).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
