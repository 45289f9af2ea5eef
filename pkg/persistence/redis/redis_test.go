package redis_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/kernelgraph/pkg/checkpoint"
	"github.com/dukex/kernelgraph/pkg/persistence/redis"
	"github.com/dukex/kernelgraph/pkg/testutil"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var redisContainer *tcredis.RedisContainer

func redisURL(t *testing.T) string {
	t.Helper()

	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	if redisContainer == nil || !redisContainer.IsRunning() {
		var err error

		redisContainer, err = tcredis.Run(ctx, "redis:7-alpine")
		require.NoError(t, err)
	}

	url, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)

	return url
}

func newStore(t *testing.T) *redis.Store {
	t.Helper()

	opts, err := goredis.ParseURL(redisURL(t))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	// A fresh prefix per test keeps stores isolated on the shared container.
	store := redis.NewStoreWithClient(goredis.NewClient(opts), "test-"+uuid.NewString(), logger)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func TestStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		return newStore(t)
	})
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	_, err := redis.NewStore(ctx, nil, "not-a-url")
	require.Error(t, err)

	store, err := redis.NewStore(ctx, slog.Default(), redisURL(t))
	require.NoError(t, err)

	defer func() { _ = store.Close() }()

	assert.NoError(t, store.HealthCheck(ctx))
}
