package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"settlement-api/pkg/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld means another worker holds the lease.
var ErrLeaseHeld = errors.New("lease is held by another worker")

// Locker hands out named, expiring leases for single-writer jobs.
type Locker interface {
	// Acquire takes the lease or returns ErrLeaseHeld. The returned func releases it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), err error)
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a Redis-backed locker
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "settlement:lease:"}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	key := l.prefix + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}

	logging.Debugf("Lease acquired - name: %s, ttl: %s", name, ttl)
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			logging.Errorf("Failed to release lease %s: %v", name, err)
		}
	}, nil
}

// LocalLocker is an in-process Locker for single-instance deployments without Redis.
type LocalLocker struct {
	leases          map[string]localLease
	mutex           sync.Mutex
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
}

type localLease struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker and starts its cleanup goroutine.
func NewLocalLocker() *LocalLocker {
	l := &LocalLocker{
		leases:          make(map[string]localLease),
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go l.startCleanupRoutine()
	return l
}

func (l *LocalLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()
	if held, ok := l.leases[name]; ok && now.Before(held.expires) {
		return nil, ErrLeaseHeld
	}

	token := uuid.NewString()
	l.leases[name] = localLease{token: token, expires: now.Add(ttl)}
	return func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()
		if held, ok := l.leases[name]; ok && held.token == token {
			delete(l.leases, name)
		}
	}, nil
}

func (l *LocalLocker) startCleanupRoutine() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops expired leases
func (l *LocalLocker) cleanup() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	now := time.Now()
	for name, held := range l.leases {
		if now.After(held.expires) {
			delete(l.leases, name)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *LocalLocker) Stop() {
	close(l.stopCleanup)
}
