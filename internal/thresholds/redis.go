package thresholds

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the hash holding threshold values.
const DefaultRedisKey = "workflow:thresholds"

// RedisSource stores thresholds as fields of a single Redis hash, so each
// key can be updated on its own with HSET.
type RedisSource struct {
	client redis.Cmdable
	key    string
}

// NewRedisSource creates a source over an existing client.
func NewRedisSource(client redis.Cmdable, key string) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, key: key}
}

// NewRedisClient dials Redis with the given settings.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// LoadThresholds reads the whole hash. A missing hash yields an empty map.
func (s *RedisSource) LoadThresholds(ctx context.Context) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.key, err)
	}
	return values, nil
}

// SetThreshold writes one hash field.
func (s *RedisSource) SetThreshold(ctx context.Context, key, value string) error {
	if err := s.client.HSet(ctx, s.key, key, value).Err(); err != nil {
		return fmt.Errorf("redis HSET %s %s: %w", s.key, key, err)
	}
	return nil
}
