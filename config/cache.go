package config

import (
	"github.com/redis/go-redis/v9"

	"goa.design/conduit/cache/memcache"
	"goa.design/conduit/cache/rediscache"
	"goa.design/conduit/generation"
)

// NewCache selects rediscache over memcache when cfg.RedisURL is set,
// per spec.md §4.8's pluggable-backend note — a caller that wants the
// in-process default simply leaves REDIS_URL unset.
func NewCache(cfg Config) (generation.Cache, error) {
	if cfg.RedisURL == "" {
		return memcache.New(), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	return rediscache.New(redis.NewClient(opts)), nil
}
