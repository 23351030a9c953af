package shared

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var attemptScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// AttemptCounter counts events per subject inside a fixed window in redis.
type AttemptCounter struct {
	client redis.UniversalClient
	prefix string
}

// NewAttemptCounter constructs a counter with keys under prefix.
func NewAttemptCounter(client redis.UniversalClient, prefix string) *AttemptCounter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "thriftbank:attempts"
	}
	return &AttemptCounter{client: client, prefix: prefix}
}

// Hit records one event and returns the count in the current window and the
// seconds until it resets.
func (c *AttemptCounter) Hit(ctx context.Context, scope, subject string, window time.Duration) (int, int, error) {
	if c == nil || c.client == nil || window <= 0 {
		return 0, 0, nil
	}
	windowMs := max(window.Milliseconds(), 1000)
	raw, err := attemptScript.Run(ctx, c.client, []string{c.key(scope, subject)}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected attempt counter response: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected attempt count type: %T", values[0])
	}
	ttl, ok := values[1].(int64)
	if !ok || ttl < 0 {
		ttl = windowMs
	}
	retryAfter := max(int(math.Ceil(float64(ttl)/1000.0)), 1)
	return int(count), retryAfter, nil
}

// Count returns the current count without recording an event.
func (c *AttemptCounter) Count(ctx context.Context, scope, subject string) (int, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	n, err := c.client.Get(ctx, c.key(scope, subject)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Reset clears the window for subject.
func (c *AttemptCounter) Reset(ctx context.Context, scope, subject string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(scope, subject)).Err()
}

func (c *AttemptCounter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, strings.TrimSpace(scope), strings.TrimSpace(subject))
}
