package redisclient

import (
	"github.com/redis/go-redis/v9"

	"github.com/AkikoAkaki/streamq/internal/config"
)

// Dial builds a redis.UniversalClient from a RedisConfig. Addrs with one
// entry dial a single node; more than one dial a cluster client, matching
// go-redis's own UniversalClient selection rule.
func Dial(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
