package ml

import (
	"time"

	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// NewCache builds the vector cache selected by cfg.Type.
// metrics is optional and can be nil.
func NewCache(cfg config.CacheConfig, metrics CacheMetrics) (VectorCache, error) {
	switch cfg.Type {
	case "", "none":
		return NoopCache{}, nil
	case "memory":
		c := NewMemoryCache(cfg.Size)
		if metrics != nil {
			c.SetMetrics(metrics)
		}
		return c, nil
	case "redis":
		c, err := NewRedisCache(cfg.RedisURL, time.Duration(cfg.TTL)*time.Second)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			c.SetMetrics(metrics)
		}
		return c, nil
	default:
		return nil, errors.ConfigurationErrorf("unknown cache type: %s", cfg.Type)
	}
}
