package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnects(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := New(context.Background(), Options{Addr: mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	assert.Equal(t, 4, client.Options().PoolSize)
	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewFailsWhenServerIsGone(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr, PingTimeout: 500 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform/cache: ping")
}

func TestQueueSharesConnectionSettings(t *testing.T) {
	opts := Options{Addr: "redis:6379", Password: "pw", DB: 2, PoolSize: 6, DialTimeout: time.Second}
	q := opts.Queue()
	c := opts.Client()
	assert.Equal(t, c.Addr, q.Addr)
	assert.Equal(t, c.Password, q.Password)
	assert.Equal(t, c.DB, q.DB)
	assert.Equal(t, c.PoolSize, q.PoolSize)
	assert.Equal(t, c.DialTimeout, q.DialTimeout)
}
