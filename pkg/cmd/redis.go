package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/flowgraph/pkg/scheduler"
	"github.com/redis/go-redis/v9"
)

// NewLocker shares schedule locks through Redis when redisURL is set and
// falls back to a process-local lock otherwise.
func NewLocker(ctx context.Context, logger *slog.Logger, redisURL, prefix string) (scheduler.Locker, func() error, error) {
	if redisURL == "" {
		logger.InfoContext(ctx, "no redis configured, schedule locks are local to this process")

		return scheduler.NewLocalLocker(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return scheduler.NewRedisLocker(client, prefix), client.Close, nil
}
