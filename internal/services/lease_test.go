package services

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, l Locker, name string) {
	t.Helper()
	ctx := context.Background()

	release, err := l.Acquire(ctx, name, time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, name, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	release()

	release, err = l.Acquire(ctx, name, time.Minute)
	require.NoError(t, err)
	release()
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	defer l.Stop()

	exerciseLocker(t, l, "batch")

	release, err := l.Acquire(context.Background(), "short", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// expired leases can be taken over, and the stale release leaves the new holder alone
	releaseNew, err := l.Acquire(context.Background(), "short", time.Minute)
	require.NoError(t, err)
	release()
	_, err = l.Acquire(context.Background(), "short", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	releaseNew()
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	defer client.Close()

	exerciseLocker(t, NewRedisLocker(client), "test-"+time.Now().Format(time.RFC3339Nano))
}
