package fees

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidationReachesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewMemoryRepository()
	writer := NewConfigCache(repo, redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	reader := NewConfigCache(repo, redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	ready, err := reader.Listen(ctx)
	require.NoError(t, err)
	<-ready

	_, err = writer.Activate(ctx, otherBankConfig())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := reader.Active(TransferOtherBank, time.Now())
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentReadsDuringActivation(t *testing.T) {
	repo := NewMemoryRepository()
	cache := NewConfigCache(repo, nil, nil)
	ctx := context.Background()
	_, err := cache.Activate(ctx, otherBankConfig())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, ok := cache.Active(TransferOtherBank, time.Now()); !ok {
					t.Error("active config disappeared during swap")
					return
				}
			}
		}()
	}
	for i := 0; i < 5; i++ {
		_, err := cache.Activate(ctx, otherBankConfig())
		require.NoError(t, err)
	}
	wg.Wait()
}

// gatedRepository holds ActiveConfigs until released.
type gatedRepository struct {
	Repository
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepository) ActiveConfigs(ctx context.Context) ([]Config, error) {
	g.entered <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.Repository.ActiveConfigs(ctx)
}

func TestReloadOutlivesCancelledCaller(t *testing.T) {
	repo := NewMemoryRepository()
	_, err := repo.Activate(context.Background(), otherBankConfig())
	require.NoError(t, err)
	gated := &gatedRepository{Repository: repo, entered: make(chan struct{}, 2), release: make(chan struct{})}
	c := NewConfigCache(gated, nil, nil)

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- c.Load(first) }()
	<-gated.entered

	waiterErr := make(chan error, 1)
	go func() { waiterErr <- c.Load(context.Background()) }()
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(gated.release)
	require.NoError(t, <-waiterErr)
	_, ok := c.Active(TransferOtherBank, time.Now())
	assert.True(t, ok)
}
