package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/reportflow/internal/logger"
)

// retryBaseDelay is the first backoff step; it doubles up to retryMaxDelay
var (
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// ConnectRedis opens a client for redisURL and pings it with exponential
// backoff. Daemons use it so a Redis restart during deploys does not kill
// them at startup.
func ConnectRedis(redisURL string, maxRetries int, log logger.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	client := redis.NewClient(opts)

	for attempt := 0; attempt < maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err == nil {
			return client, nil
		}
		if attempt == maxRetries-1 {
			break
		}

		delay := retryBaseDelay << uint(attempt)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)
		time.Sleep(delay)
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
}
