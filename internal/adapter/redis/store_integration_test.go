package redis

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/configserver/internal/coordination/storetest"
	"github.com/pscheid92/configserver/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()
	if err := redContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, testRedisURL, nil)
	require.NoError(t, err)

	require.NoError(t, client.FlushAll(ctx).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStore_Integration(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.Store {
		return NewStore(setupTestClient(t), clockwork.NewRealClock(), nil)
	})
}

func TestStore_LockExpires(t *testing.T) {
	store := NewStore(setupTestClient(t), clockwork.NewRealClock(), nil)
	ctx := context.Background()

	first, ok, err := store.TryLock(ctx, "/locks/app", 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, err := store.TryLock(ctx, "/locks/app", time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)

	assert.ErrorIs(t, first.Refresh(ctx, time.Minute), domain.ErrLockLost)
}

func TestStore_PrefixesIsolateInstallations(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	a := NewStoreWithPrefix(client, clockwork.NewRealClock(), nil, "a:")
	b := NewStoreWithPrefix(client, clockwork.NewRealClock(), nil, "b:")

	require.NoError(t, a.Set(ctx, "/tenants/t1", []byte("x")))

	exists, err := b.Exists(ctx, "/tenants/t1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_DeleteRemovesAllKeys(t *testing.T) {
	client := setupTestClient(t)
	store := NewStore(client, clockwork.NewRealClock(), nil)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "/tenants/t1", []byte("t")))
	require.NoError(t, store.Set(ctx, "/tenants/t1/sessions/2", []byte("s")))
	require.NoError(t, store.Set(ctx, "/tenants/t1/applications/t1:app:default", []byte("p")))

	require.NoError(t, store.Delete(ctx, "/tenants"))

	keys, err := client.Keys(ctx, defaultKeyPrefix+"*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys, "no node or children keys may be left behind")
}
