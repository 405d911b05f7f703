package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// Lock defaults.
const (
	DefaultLockTTL      = 30 * time.Second
	DefaultLockInterval = 50 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LockerConfig configures a Locker.
type LockerConfig struct {
	// Prefix is prepended to every lock key.
	Prefix string

	// TTL bounds how long a crashed holder keeps a key locked. Critical
	// sections must finish well within it.
	TTL time.Duration

	// RetryInterval is the poll period while the key is held elsewhere.
	RetryInterval time.Duration

	Logger *logger.Logger
}

// Locker is a keylock.Locker shared by every engine instance using the same
// Redis. Acquisition is SET NX PX with a random token.
type Locker struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	interval time.Duration
	log      *logger.Logger
}

// NewLocker creates a Locker on client.
func NewLocker(client redis.UniversalClient, cfg LockerConfig) *Locker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultLockInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Locker{
		client:   client,
		prefix:   cfg.Prefix,
		ttl:      cfg.TTL,
		interval: cfg.RetryInterval,
		log:      cfg.Logger.Named("redis_locker"),
	}
}

// Lock blocks until key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := LockKey(l.prefix, key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return l.releaser(redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(redisKey, token string) func() {
	acquired := time.Now()
	var once sync.Once
	return func() { once.Do(func() { l.release(redisKey, token, acquired) }) }
}

func (l *Locker) release(redisKey, token string, acquired time.Time) {
	// The caller's context may already be cancelled; release regardless.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	switch {
	case err != nil && !errors.Is(err, redis.Nil):
		l.log.Warn("redis lock release failed", logger.String("key", redisKey), logger.Err(err))
	case n == 0:
		l.log.Warn("redis lock expired before release",
			logger.String("key", redisKey),
			logger.Duration("held", time.Since(acquired)),
			logger.Duration("ttl", l.ttl))
	}
}
