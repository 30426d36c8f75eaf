package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

func TestRedis_Allow(t *testing.T) {
	mr, c := newRedis(t)
	l := NewRedis(c, "consent:limit:", 3, time.Hour)
	now := time.Date(2026, 3, 1, 10, 20, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "doc-1")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i+1)
	}
	ok, retry, err := l.Allow(ctx, "doc-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 40*time.Minute, retry)

	// other keys have their own budget
	ok, _, err = l.Allow(ctx, "doc-2")
	require.NoError(t, err)
	require.True(t, ok)

	key := "consent:limit:doc-1:" + "1772359200"
	require.True(t, mr.Exists(key))
	require.Greater(t, mr.TTL(key), time.Duration(0))

	now = now.Add(time.Hour)
	ok, _, err = l.Allow(ctx, "doc-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_Unavailable(t *testing.T) {
	mr, c := newRedis(t)
	l := NewRedis(c, "x:", 1, time.Minute)
	mr.Close()

	_, _, err := l.Allow(context.Background(), "doc-1")
	require.Error(t, err)
}
