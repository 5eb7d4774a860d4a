package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PersistenceStore is the state shared between replicas of an agent.
type PersistenceStore interface {
	// IsOrMarkAsTested marks fingerprint as seen and reports whether it had
	// already been seen before this call.
	IsOrMarkAsTested(ctx context.Context, fingerprint string) (bool, error)
}

type redisCommands interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SIsMember(ctx context.Context, key string, member interface{}) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisStore implements PersistenceStore on Redis sets. Every check is one
// SADD so concurrent replicas never both claim a fingerprint.
type RedisStore struct {
	client    redisCommands
	namespace string
}

// NewRedisStore connects to the Redis instance at url. Keys are prefixed with
// namespace, usually the agent key.
func NewRedisStore(ctx context.Context, url, namespace string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, namespace), nil
}

func newRedisStore(client redisCommands, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(name string) string {
	return s.namespace + ":" + name
}

func (s *RedisStore) IsOrMarkAsTested(ctx context.Context, fingerprint string) (bool, error) {
	added, err := s.AddToSet(ctx, "tested", fingerprint)
	if err != nil {
		return false, err
	}
	return added == 0, nil
}

// AddToSet adds members to the named set and returns how many were new.
func (s *RedisStore) AddToSet(ctx context.Context, set string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	added, err := s.client.SAdd(ctx, s.key(set), args...).Result()
	if err != nil {
		return 0, fmt.Errorf("sadd %s: %w", set, err)
	}
	return added, nil
}

// IsMember reports whether member belongs to the named set.
func (s *RedisStore) IsMember(ctx context.Context, set, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key(set), member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", set, err)
	}
	return ok, nil
}

// SetValue stores a plain value.
func (s *RedisStore) SetValue(ctx context.Context, name, value string) error {
	return s.client.Set(ctx, s.key(name), value, 0).Err()
}

// GetValue reads a plain value; ok is false when it is unset.
func (s *RedisStore) GetValue(ctx context.Context, name string) (value string, ok bool, err error) {
	value, err = s.client.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
