package calendar

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozenClock always returns the same instant.
func frozenClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func countingGen(calls *atomic.Int32, text string) Generator {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return text, nil
	}
}

func TestInvalidateIsStrictlyMonotonic(t *testing.T) {
	c := New(nil, frozenClock())
	first := c.LastModified()
	second := c.Invalidate(context.Background())
	third := c.Invalidate(context.Background())

	assert.True(t, second.After(first))
	assert.True(t, third.After(second))
	assert.Equal(t, third, c.LastModified())
}

func TestGetServesFreshEntry(t *testing.T) {
	ctx := context.Background()
	c := New(nil, frozenClock())
	var calls atomic.Int32

	e1, err := c.Get(ctx, "agent1", countingGen(&calls, "v1"))
	require.NoError(t, err)
	e2, err := c.Get(ctx, "agent1", countingGen(&calls, "v2"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "v1", e1.Text)
	assert.Equal(t, "v1", e2.Text)
}

func TestGetRegeneratesAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	c := New(nil, frozenClock())
	var calls atomic.Int32

	_, err := c.Get(ctx, "agent1", countingGen(&calls, "v1"))
	require.NoError(t, err)

	c.Invalidate(ctx)
	e, err := c.Get(ctx, "agent1", countingGen(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Text)
	assert.Equal(t, c.LastModified(), e.Basis)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetAgentsAreIndependent(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	var calls atomic.Int32

	_, err := c.Get(ctx, "agent1", countingGen(&calls, "a"))
	require.NoError(t, err)
	e, err := c.Get(ctx, "agent2", countingGen(&calls, "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", e.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetGeneratorErrorIsNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(nil, nil)
	boom := errors.New("boom")

	_, err := c.Get(ctx, "agent1", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)

	e, err := c.Get(ctx, "agent1", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", e.Text)
}

type failingBackend struct{ puts atomic.Int32 }

func (f *failingBackend) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("backend down")
}

func (f *failingBackend) Put(context.Context, string, Entry) error {
	f.puts.Add(1)
	return errors.New("backend down")
}

func TestGetBackendFailureFallsBackToGenerator(t *testing.T) {
	b := &failingBackend{}
	c := New(b, nil)

	e, err := c.Get(context.Background(), "agent1", func(context.Context) (string, error) { return "text", nil })
	require.NoError(t, err)
	assert.Equal(t, "text", e.Text)
	assert.Equal(t, int32(1), b.puts.Load())
}

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisBackendWithClient(client, "test", time.Minute)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, b := setupMiniRedis(t)

	_, ok, err := b.Get(ctx, "agent1")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Entry{
		Text:        "BEGIN:VCALENDAR",
		GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Basis:       time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.Put(ctx, "agent1", want))
	assert.True(t, mr.Exists("test:calendar:agent1"))
	assert.Equal(t, time.Minute, mr.TTL("test:calendar:agent1"))

	got, ok, err := b.Get(ctx, "agent1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.Text, got.Text)
	assert.True(t, want.Basis.Equal(got.Basis))

	mr.FastForward(2 * time.Minute)
	_, ok, err = b.Get(ctx, "agent1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisBackendDropsCorruptEntry(t *testing.T) {
	mr, b := setupMiniRedis(t)
	require.NoError(t, mr.Set("test:calendar:agent1", "{not json"))

	_, ok, err := b.Get(context.Background(), "agent1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:calendar:agent1"))
}

func TestRedisBackendUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisBackendWithClient(client, "", 0)

	_, _, err := b.Get(context.Background(), "agent1")
	assert.Error(t, err)
}

func TestCacheOverRedis(t *testing.T) {
	ctx := context.Background()
	_, b := setupMiniRedis(t)
	c := New(b, nil)
	var calls atomic.Int32

	_, err := c.Get(ctx, "agent1", countingGen(&calls, "v1"))
	require.NoError(t, err)
	e, err := c.Get(ctx, "agent1", countingGen(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", e.Text)

	c.Invalidate(ctx)
	e, err = c.Get(ctx, "agent1", countingGen(&calls, "v3"))
	require.NoError(t, err)
	assert.Equal(t, "v3", e.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func newSharedBackend(t *testing.T, mr *miniredis.Miniredis) *RedisBackend {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackendWithClient(client, "test", time.Minute)
}

func TestRedisBackendBumpIsMonotonic(t *testing.T) {
	ctx := context.Background()
	_, b := setupMiniRedis(t)

	_, found, err := b.LastModified(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	first, err := b.Bump(ctx, t0)
	require.NoError(t, err)
	assert.True(t, first.Equal(t0))

	second, err := b.Bump(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Nanosecond, second.Sub(first))

	got, found, err := b.LastModified(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, got.Equal(second))
}

func TestCachesShareLastModifiedOverRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	daemon := New(newSharedBackend(t, mr), nil)
	cli := New(newSharedBackend(t, mr), nil)
	var calls atomic.Int32

	e, err := daemon.Get(ctx, "agent1", countingGen(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, "v1", e.Text)

	// A process started later still reuses the entry.
	e, err = cli.Get(ctx, "agent1", countingGen(&calls, "unused"))
	require.NoError(t, err)
	assert.Equal(t, "v1", e.Text)
	assert.Equal(t, int32(1), calls.Load())

	at := cli.Invalidate(ctx)
	assert.True(t, daemon.Sync(ctx).Equal(at))

	e, err = daemon.Get(ctx, "agent1", countingGen(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", e.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSyncFallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	c := New(NewRedisBackendWithClient(client, "", 0), frozenClock())

	local := c.Invalidate(context.Background())
	assert.Equal(t, local, c.Sync(context.Background()))
}
