// File: utils/cache.go
package utils

import (
	"context"
	"fmt"
	"time"

	"buildappswith/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient opens a client on the given logical DB and pings it.
func NewRedisClient(cfg *config.Config, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis (db %d): %w", db, err)
	}
	return client, nil
}
