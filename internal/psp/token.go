package psp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/thriftbank/thriftbank/internal/shared"
)

// tokenMargin is subtracted from expires_in so a token is never presented at
// the edge of its lifetime.
const tokenMargin = 5 * time.Minute

// TokenStore shares tokens between processes.
type TokenStore interface {
	Load(ctx context.Context) (Token, bool, error)
	Save(ctx context.Context, token Token) error
	Clear(ctx context.Context) error
}

// TokenCache keeps the bearer token in memory and coalesces refreshes so
// concurrent misses produce one upstream call.
type TokenCache struct {
	mu      sync.RWMutex
	current Token
	group   singleflight.Group
	fetch   func(context.Context) (Token, error)
	store   TokenStore
	now     func() time.Time
}

// NewTokenCache constructs a cache around fetch. store may be nil.
func NewTokenCache(fetch func(context.Context) (Token, error), store TokenStore) *TokenCache {
	return &TokenCache{fetch: fetch, store: store, now: time.Now}
}

// Get returns a valid token, refreshing it when needed.
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.current
	c.mu.RUnlock()
	if tok.Valid(c.now()) {
		return tok.Value, nil
	}
	ch := c.group.DoChan("token", func() (interface{}, error) {
		c.mu.RLock()
		cur := c.current
		c.mu.RUnlock()
		if cur.Valid(c.now()) {
			return cur, nil
		}
		// the refresh outlives a caller that gives up
		rctx := context.WithoutCancel(ctx)
		if c.store != nil {
			if stored, ok, err := c.store.Load(rctx); err == nil && ok && stored.Valid(c.now()) {
				c.set(stored)
				return stored, nil
			}
		}
		fresh, err := c.fetch(rctx)
		if err != nil {
			return nil, err
		}
		c.set(fresh)
		if c.store != nil {
			_ = c.store.Save(rctx, fresh)
		}
		return fresh, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Token).Value, nil
	}
}

// Invalidate drops stale if it is still the cached token.
func (c *TokenCache) Invalidate(ctx context.Context, stale string) {
	c.mu.Lock()
	if c.current.Value != stale {
		c.mu.Unlock()
		return
	}
	c.current = Token{}
	c.mu.Unlock()
	c.group.Forget("token")
	if c.store != nil {
		_ = c.store.Clear(ctx)
	}
}

func (c *TokenCache) set(t Token) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

func expiryFrom(now time.Time, expiresIn int64) time.Time {
	lifetime := time.Duration(expiresIn)*time.Second - tokenMargin
	if lifetime < 0 {
		lifetime = 0
	}
	return now.Add(lifetime)
}

// RedisTokenStore keeps the token in redis with a TTL matching its expiry.
type RedisTokenStore struct {
	client   redis.UniversalClient
	provider string
	now      func() time.Time
}

// NewRedisTokenStore constructs the store for provider.
func NewRedisTokenStore(client redis.UniversalClient, provider string) *RedisTokenStore {
	return &RedisTokenStore{client: client, provider: provider, now: time.Now}
}

func (s *RedisTokenStore) Load(ctx context.Context) (Token, bool, error) {
	raw, err := s.client.Get(ctx, shared.PSPTokenKey(s.provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return Token{}, false, fmt.Errorf("psp: decode cached token: %w", err)
	}
	return t, true, nil
}

func (s *RedisTokenStore) Save(ctx context.Context, t Token) error {
	ttl := t.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, shared.PSPTokenKey(s.provider), raw, ttl).Err()
}

func (s *RedisTokenStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, shared.PSPTokenKey(s.provider)).Err()
}
