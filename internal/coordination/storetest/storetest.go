// Package storetest holds behaviour tests every domain.Store implementation
// must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/configserver/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store semantics. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) domain.Store) {
	t.Run("get missing node", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "/tenants/t1")
		assert.ErrorIs(t, err, domain.ErrNodeNotFound)
	})

	t.Run("set and get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "/tenants/t1", []byte("v1")))
		data, err := s.Get(ctx, "/tenants/t1")
		require.NoError(t, err)
		assert.Equal(t, "v1", string(data))

		require.NoError(t, s.Set(ctx, "/tenants/t1", []byte("v2")))
		data, err = s.Get(ctx, "/tenants/t1")
		require.NoError(t, err)
		assert.Equal(t, "v2", string(data))
	})

	t.Run("create only when absent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, "/tenants/t1", []byte("first"))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.Create(ctx, "/tenants/t1", []byte("second"))
		require.NoError(t, err)
		assert.False(t, created)

		data, err := s.Get(ctx, "/tenants/t1")
		require.NoError(t, err)
		assert.Equal(t, "first", string(data))
	})

	t.Run("children include implicit ancestors", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "/tenants/t1/sessions/2", []byte("a")))
		require.NoError(t, s.Set(ctx, "/tenants/t1/sessions/3", []byte("b")))
		require.NoError(t, s.Set(ctx, "/tenants/t2", []byte("c")))

		tenants, err := s.Children(ctx, "/tenants")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"t1", "t2"}, tenants)

		sessions, err := s.Children(ctx, "/tenants/t1/sessions")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"2", "3"}, sessions)

		exists, err := s.Exists(ctx, "/tenants/t1")
		require.NoError(t, err)
		assert.False(t, exists, "implicit ancestors hold no data")
	})

	t.Run("delete is recursive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "/tenants/t1", []byte("t")))
		require.NoError(t, s.Set(ctx, "/tenants/t1/sessions/2", []byte("s")))
		require.NoError(t, s.Set(ctx, "/tenants/t2", []byte("t")))

		require.NoError(t, s.Delete(ctx, "/tenants/t1"))

		exists, err := s.Exists(ctx, "/tenants/t1/sessions/2")
		require.NoError(t, err)
		assert.False(t, exists)

		tenants, err := s.Children(ctx, "/tenants")
		require.NoError(t, err)
		assert.Equal(t, []string{"t2"}, tenants)

		require.NoError(t, s.Delete(ctx, "/tenants/unknown"), "deleting an absent node is not an error")
	})

	t.Run("increment counts from one", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for want := int64(1); want <= 3; want++ {
			got, err := s.Increment(ctx, "/counters/t1/sessions")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("commit applies all ops", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "/a", []byte("old")))
		require.NoError(t, s.Set(ctx, "/gone", []byte("x")))

		err := s.Commit(ctx,
			domain.CheckOp("/a", []byte("old")),
			domain.SetOp("/a", []byte("new")),
			domain.CreateOp("/b", []byte("b")),
			domain.DeleteOp("/gone"),
		)
		require.NoError(t, err)

		a, _ := s.Get(ctx, "/a")
		b, _ := s.Get(ctx, "/b")
		assert.Equal(t, "new", string(a))
		assert.Equal(t, "b", string(b))
		exists, _ := s.Exists(ctx, "/gone")
		assert.False(t, exists)
	})

	t.Run("commit is all or nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Set(ctx, "/a", []byte("current")))
		require.NoError(t, s.Set(ctx, "/taken", []byte("x")))

		err := s.Commit(ctx, domain.SetOp("/b", []byte("b")), domain.CheckOp("/a", []byte("stale")))
		require.ErrorIs(t, err, domain.ErrCheckFailed)

		err = s.Commit(ctx, domain.SetOp("/b", []byte("b")), domain.CreateOp("/taken", []byte("y")))
		require.ErrorIs(t, err, domain.ErrNodeExists)

		exists, _ := s.Exists(ctx, "/b")
		assert.False(t, exists)
	})

	t.Run("lock is exclusive and fences commits", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		lock, ok, err := s.TryLock(ctx, "/locks/app", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		_, ok, err = s.TryLock(ctx, "/locks/app", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Commit(ctx, domain.LockCheckOp(lock), domain.SetOp("/fenced", []byte("1"))))

		require.NoError(t, lock.Release(ctx))
		err = s.Commit(ctx, domain.LockCheckOp(lock), domain.SetOp("/fenced", []byte("2")))
		require.ErrorIs(t, err, domain.ErrCheckFailed)

		require.ErrorIs(t, lock.Refresh(ctx, time.Minute), domain.ErrLockLost)
	})

	t.Run("lock waits for release", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Lock(ctx, "/locks/app", time.Minute)
		require.NoError(t, err)

		acquired := make(chan domain.Lock, 1)
		go func() {
			l, err := s.Lock(ctx, "/locks/app", time.Minute)
			if err == nil {
				acquired <- l
			}
		}()

		select {
		case <-acquired:
			t.Fatal("second lock acquired while the first is held")
		case <-time.After(100 * time.Millisecond):
		}

		require.NoError(t, first.Release(ctx))

		select {
		case second := <-acquired:
			assert.NotEqual(t, first.Token(), second.Token())
			require.NoError(t, second.Release(ctx))
		case <-time.After(5 * time.Second):
			t.Fatal("second lock not acquired after release")
		}
	})

	t.Run("lock gives up when context ends", func(t *testing.T) {
		s := newStore(t)

		held, err := s.Lock(context.Background(), "/locks/app", time.Minute)
		require.NoError(t, err)
		defer held.Release(context.Background()) //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = s.Lock(ctx, "/locks/app", time.Minute)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("release of a foreign lock is a no-op", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		lock, err := s.Lock(ctx, "/locks/app", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Delete(ctx, "/locks/app"))

		other, err := s.Lock(ctx, "/locks/app", time.Minute)
		require.NoError(t, err)

		require.NoError(t, lock.Release(ctx))
		require.NoError(t, s.Commit(ctx, domain.LockCheckOp(other)), "stale release must not drop the new holder")
	})

	t.Run("watch streams changes below prefix", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := s.Watch(ctx, "/tenants")
		require.NoError(t, err)

		require.NoError(t, s.Set(ctx, "/other", []byte("ignored")))
		require.NoError(t, s.Set(ctx, "/tenants/t1", []byte("1")))
		require.NoError(t, s.Set(ctx, "/tenants/t1", []byte("2")))
		require.NoError(t, s.Delete(ctx, "/tenants/t1"))

		want := []domain.Event{
			{Type: domain.EventCreated, Path: "/tenants/t1"},
			{Type: domain.EventChanged, Path: "/tenants/t1"},
			{Type: domain.EventDeleted, Path: "/tenants/t1"},
		}
		var got []domain.Event
		for len(got) < len(want) {
			select {
			case ev := <-events:
				got = append(got, ev)
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for events, got %v", got)
			}
		}
		assert.Equal(t, want, got)
	})

	t.Run("concurrent increments never collide", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 20
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[int64]struct{})
		)
		for range n {
			wg.Go(func() {
				v, err := s.Increment(ctx, "/counter")
				assert.NoError(t, err)
				mu.Lock()
				seen[v] = struct{}{}
				mu.Unlock()
			})
		}
		wg.Wait()
		assert.Len(t, seen, n)
	})
}
