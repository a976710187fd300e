package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/emperorhan/wallet-monitor/internal/store"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "wallet-monitor:"

// KV is a store.KVStore backed by plain Redis string keys.
type KV struct {
	client *redis.Client
	prefix string
}

// NewKV connects to the Redis server at url and verifies it with PING.
func NewKV(ctx context.Context, url, prefix string) (*KV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewKVFromClient(client, prefix), nil
}

// NewKVFromClient wraps an existing client.
func NewKVFromClient(client *redis.Client, prefix string) *KV {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KV{client: client, prefix: prefix}
}

func (s *KV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

func (s *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *KV) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping reports whether the server is reachable.
func (s *KV) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KV) Close() error {
	return s.client.Close()
}
