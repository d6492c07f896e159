package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseMutualExclusion runs workers on one key and fails if two ever overlap.
func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), "acct")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLocker(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		exerciseMutualExclusion(t, NewLocalLocker())
	})

	t.Run("different keys do not block", func(t *testing.T) {
		l := NewLocalLocker()
		releaseA, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)
		defer releaseA()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		releaseB, err := l.Acquire(ctx, "b")
		require.NoError(t, err)
		releaseB()
	})

	t.Run("abandoned wait returns context error", func(t *testing.T) {
		l := NewLocalLocker()
		release, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err = l.Acquire(ctx, "a")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("release is idempotent", func(t *testing.T) {
		l := NewLocalLocker()
		release, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)
		release()
		release()

		again, err := l.Acquire(context.Background(), "a")
		require.NoError(t, err)
		again()
	})
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, time.Second, time.Millisecond), mr, client
}

func TestRedisLocker(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		l, _, _ := newRedisLocker(t)
		exerciseMutualExclusion(t, l)
	})

	t.Run("release deletes only our own lease", func(t *testing.T) {
		l, mr, _ := newRedisLocker(t)
		release, err := l.Acquire(context.Background(), "acct")
		require.NoError(t, err)
		assert.True(t, mr.Exists("acct"))

		mr.Set("acct", "someone-else")
		release()
		assert.True(t, mr.Exists("acct"))
	})

	t.Run("released key can be reacquired", func(t *testing.T) {
		l, mr, _ := newRedisLocker(t)
		release, err := l.Acquire(context.Background(), "acct")
		require.NoError(t, err)
		release()
		assert.False(t, mr.Exists("acct"))

		release, err = l.Acquire(context.Background(), "acct")
		require.NoError(t, err)
		release()
	})

	t.Run("waiter gives up when context ends", func(t *testing.T) {
		l, _, _ := newRedisLocker(t)
		release, err := l.Acquire(context.Background(), "acct")
		require.NoError(t, err)
		defer release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = l.Acquire(ctx, "acct")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("lease carries a ttl", func(t *testing.T) {
		l, mr, _ := newRedisLocker(t)
		release, err := l.Acquire(context.Background(), "acct")
		require.NoError(t, err)
		defer release()
		assert.Greater(t, mr.TTL("acct"), time.Duration(0))
	})
}
