package fees

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/thriftbank/thriftbank/internal/shared"
)

type configSet map[TransferType]Config

// ConfigCache holds the active configurations behind an atomic pointer so
// reads never lock. Reloads are coalesced and announced over redis pub/sub.
type ConfigCache struct {
	repo    Repository
	client  *redis.Client
	logger  *slog.Logger
	current atomic.Pointer[configSet]
	group   singleflight.Group
}

// NewConfigCache constructs the cache. client may be nil for single-process use.
func NewConfigCache(repo Repository, client *redis.Client, logger *slog.Logger) *ConfigCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &ConfigCache{repo: repo, client: client, logger: logger}
	empty := configSet{}
	c.current.Store(&empty)
	return c
}

// loadTimeout bounds a shared reload once no caller's deadline applies.
const loadTimeout = 10 * time.Second

// Load replaces the active set with the repository's view. A caller that gives
// up only stops waiting; the shared reload runs on for the others.
func (c *ConfigCache) Load(ctx context.Context) error {
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan("reload", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(detached, loadTimeout)
		defer cancel()
		cfgs, err := c.repo.ActiveConfigs(ctx)
		if err != nil {
			return nil, err
		}
		next := make(configSet, len(cfgs))
		for _, cfg := range cfgs {
			next[cfg.TransferType] = cfg
		}
		c.current.Store(&next)
		return len(next), nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Active returns the configuration in force for t at now.
func (c *ConfigCache) Active(t TransferType, now time.Time) (Config, bool) {
	set := *c.current.Load()
	cfg, ok := set[t]
	if !ok || !cfg.Active {
		return Config{}, false
	}
	if !cfg.EffectiveDate.IsZero() && cfg.EffectiveDate.After(now) {
		return Config{}, false
	}
	return cfg, true
}

// Activate stores cfg as the active schedule for its type, swaps the local
// pointer and tells other instances to reload.
func (c *ConfigCache) Activate(ctx context.Context, cfg Config) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	saved, err := c.repo.Activate(ctx, cfg)
	if err != nil {
		return Config{}, err
	}
	c.group.Forget("reload")
	if err := c.Load(ctx); err != nil {
		return Config{}, err
	}
	if c.client != nil {
		if err := c.client.Publish(ctx, shared.FeeConfigChannel, strconv.FormatInt(saved.ID, 10)).Err(); err != nil {
			c.logger.Warn("fee config invalidation publish failed", slog.Any("error", err))
		}
	}
	return saved, nil
}

// Listen reloads on every invalidation until ctx ends. The returned channel
// closes once the subscription is confirmed.
func (c *ConfigCache) Listen(ctx context.Context) (<-chan struct{}, error) {
	ready := make(chan struct{})
	if c.client == nil {
		close(ready)
		return ready, nil
	}
	pubsub := c.client.Subscribe(ctx, shared.FeeConfigChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	close(ready)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := c.Load(ctx); err != nil {
					c.logger.Error("fee config reload failed", slog.Any("error", err))
				}
			}
		}
	}()
	return ready, nil
}
