package shared

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptCounterWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	counter := NewAttemptCounter(client, "test")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		n, retry, err := counter.Hit(ctx, PINFailureScope, "42", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
		assert.Equal(t, 60, retry)
	}
	n, err := counter.Count(ctx, PINFailureScope, "42")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	mr.FastForward(61 * time.Second)
	n, err = counter.Count(ctx, PINFailureScope, "42")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = counter.Hit(ctx, PINFailureScope, "42", time.Minute)
	require.NoError(t, err)
	require.NoError(t, counter.Reset(ctx, PINFailureScope, "42"))
	n, _ = counter.Count(ctx, PINFailureScope, "42")
	assert.Zero(t, n)
}

func TestDigestKeyStable(t *testing.T) {
	a := DigestKey([]byte(`{"status":"successful"}`))
	b := DigestKey([]byte(`{"status":"successful"}`))
	c := DigestKey([]byte(`{"status":"failed"}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
