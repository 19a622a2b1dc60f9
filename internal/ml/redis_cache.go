package ml

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// RedisCache stores vectors in Redis as little-endian float32 blobs.
type RedisCache struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	metrics CacheMetrics
}

// NewRedisCache connects to Redis. Returns error if connection fails.
func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.ConfigurationErrorf("parsing redis URL: %v", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.ServiceUnavailableError("redis", err)
	}

	return &RedisCache{
		client: client,
		prefix: "rice-eval:vec:",
		ttl:    ttl,
	}, nil
}

// SetMetrics sets the metrics recorder for this cache.
func (c *RedisCache) SetMetrics(metrics CacheMetrics) {
	c.metrics = metrics
}

// Get fetches a vector. A missing key is a miss, not an error.
func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		if c.metrics != nil {
			c.metrics.RecordCacheMiss("redis")
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	vec, err := decodeVector(data)
	if err != nil {
		return nil, false, err
	}

	if c.metrics != nil {
		c.metrics.RecordCacheHit("redis")
	}
	return vec, true, nil
}

// Set stores a vector with the configured TTL (0 = no expiry).
func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) error {
	if err := c.client.Set(ctx, c.prefix+key, encodeVector(vec), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a vector.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errors.InternalError(fmt.Sprintf("corrupt cached vector of %d bytes", len(data)), nil)
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec, nil
}
