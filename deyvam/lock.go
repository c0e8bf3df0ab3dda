package deyvam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

const (
	redisLockPrefix        = "deyvam:ticket-create:"
	redisLockRetryInterval = 100 * time.Millisecond
	redisUnlockTimeout     = 5 * time.Second
)

// requesterLocker serializes ticket creation for a single requester.
// Lock blocks until the lock is held or ctx is done. The returned
// function releases the lock, and is safe to call more than once.
type requesterLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// keyedMutex is an in-process requesterLocker
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// len returns the number of keys currently held or waited on
func (k *keyedMutex) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

var errLockNotHeld = errors.New("lock no longer held")

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-acquired by another instance isn't released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// redisLocker is a requesterLocker shared by every bot instance pointed
// at the same redis server.
type redisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

func newRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func newRedisLocker(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *redisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisLockTTL
	}
	return &redisLocker{client: client, ttl: ttl, logger: logger}
}

func (r *redisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisLockPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(redisLockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("error acquiring lock %q: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), redisUnlockTimeout)
			defer cancel()
			if err := r.release(uctx, redisKey, token); err != nil {
				r.logger.Warn("error releasing lock", tint.Err(err), "key", redisKey)
			}
		})
	}, nil
}

func (r *redisLocker) release(ctx context.Context, key, token string) error {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockNotHeld
	}
	return nil
}
