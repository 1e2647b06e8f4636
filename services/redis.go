package services

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yash-Swaminathan/ChatterBox-sub002/config"
	"github.com/Yash-Swaminathan/ChatterBox-sub002/utils"
)

// NewRedisClient builds the shared-state-store client. Connection attempts
// use a bounded dial timeout and capped exponential retry backoff; an
// unreachable store is logged but not fatal, because presence degrades to
// instance-local operation until the store recovers.
func NewRedisClient(cfg *config.Config, logger *utils.Logger) *redis.Client {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to parse Redis URL", "url", cfg.RedisURL, "error", err)
	}

	opt.DB = cfg.RedisDB
	opt.DialTimeout = 5 * time.Second
	opt.MaxRetries = 5
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = 3 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, starting in degraded single-instance mode", "error", err)
	} else {
		logger.Info("Connected to Redis", "db", cfg.RedisDB)
	}

	return client
}
