package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces checkpoint keys.
const DefaultRedisPrefix = "extract:checkpoint:"

// RedisStore keeps one JSON value per stream, for workers that share or
// do not own a filesystem.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store using the default key prefix.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, prefix: DefaultRedisPrefix}
}

// Key returns the redis key holding a stream's checkpoint.
func (r *RedisStore) Key(stream string) string {
	return r.prefix + stream
}

// Load implements Store.
func (r *RedisStore) Load(ctx context.Context, stream string) (State, error) {
	data, err := r.redis.Get(ctx, r.Key(stream)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, ErrNotFound
		}
		checkpointStoreErrors.WithLabelValues("redis", "load").Inc()
		return State{}, fmt.Errorf("redis get: %w", err)
	}
	return decodeState(stream, "redis key "+r.Key(stream), data)
}

// Save implements Store. Checkpoints never expire.
func (r *RedisStore) Save(ctx context.Context, stream string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := r.redis.Set(ctx, r.Key(stream), data, 0).Err(); err != nil {
		checkpointStoreErrors.WithLabelValues("redis", "save").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, stream string) error {
	if err := r.redis.Del(ctx, r.Key(stream)).Err(); err != nil {
		checkpointStoreErrors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
