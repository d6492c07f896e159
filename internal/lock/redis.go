package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pixelpets/gasless/internal/util"
)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a lease lock shared by every process using the same redis.
// The lease is refreshed while held so long polls do not lose it; a crashed
// holder blocks the key for at most ttl.
type RedisLocker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client, ttl, retryDelay time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, retryDelay: retryDelay}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := util.GenerateToken()
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return l.hold(key, token), nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *RedisLocker) hold(key, token string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				err := refreshScript.Run(context.Background(), l.client, []string{key}, token, l.ttl.Milliseconds()).Err()
				if err != nil {
					log.Warn().Err(err).Str("lockKey", key).Msg("failed to refresh lock lease")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			if err := releaseScript.Run(context.Background(), l.client, []string{key}, token).Err(); err != nil {
				log.Warn().Err(err).Str("lockKey", key).Msg("failed to release lock")
			}
		})
	}
}
