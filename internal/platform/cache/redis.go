package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Options locate and size the Redis deployment shared by the token cache,
// rate limits, fee invalidation and the job queue.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
	PingTimeout time.Duration
}

// Client returns go-redis options.
func (o Options) Client() *redis.Options {
	return &redis.Options{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		PoolSize:    o.PoolSize,
		DialTimeout: o.DialTimeout,
	}
}

// Queue returns the same connection settings for asynq.
func (o Options) Queue() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:        o.Addr,
		Password:    o.Password,
		DB:          o.DB,
		PoolSize:    o.PoolSize,
		DialTimeout: o.DialTimeout,
	}
}

// New creates a Redis client and checks the server answers.
func New(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(opts.Client())

	timeout := opts.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: ping: %w", err)
	}

	return client, nil
}
