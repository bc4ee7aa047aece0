package counter

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/waf/clock"
)

func newMiniredisStore(t *testing.T, clk clock.Clock) (*External, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewExternal(NewRedisCounter(rdb), WithClock(clk), WithTimeout(time.Second)), mr
}

func TestExternalSixtyFirstRequestThrottled(t *testing.T) {
	store, _ := newMiniredisStore(t, clock.NewManual(epoch))
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		require.Truef(t, store.IncrementAndCheck(ctx, "10.0.0.1", Minute, 60).Allowed, "request %d", i)
	}
	res := store.IncrementAndCheck(ctx, "10.0.0.1", Minute, 60)
	assert.False(t, res.Allowed)
	assert.False(t, res.Degraded)
	assert.Equal(t, int64(61), res.Count)
	assert.Equal(t, int64(61), store.Count(ctx, "10.0.0.1", Minute))
}

func TestExternalSetsExpiryOnFirstIncrement(t *testing.T) {
	store, mr := newMiniredisStore(t, clock.NewManual(epoch))
	ctx := context.Background()

	store.IncrementAndCheck(ctx, "k", Hour, 5)
	store.IncrementAndCheck(ctx, "k", Hour, 5)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "gatewarden:rl:hour:")
	assert.Equal(t, time.Hour, mr.TTL(keys[0]))

	mr.FastForward(time.Hour + time.Second)
	assert.Empty(t, mr.Keys())
}

func TestExternalBucketRollover(t *testing.T) {
	clk := clock.NewManual(epoch)
	store, _ := newMiniredisStore(t, clk)
	ctx := context.Background()

	store.IncrementAndCheck(ctx, "k", Minute, 1)
	require.False(t, store.IncrementAndCheck(ctx, "k", Minute, 1).Allowed)

	clk.Advance(time.Minute)
	assert.True(t, store.IncrementAndCheck(ctx, "k", Minute, 1).Allowed)
}

type brokenCounter struct{}

var errDown = errors.New("connection refused")

func (brokenCounter) Incr(context.Context, string) (int64, error) { return 0, errDown }
func (brokenCounter) Expire(context.Context, string, time.Duration) error {
	return errDown
}
func (brokenCounter) Get(context.Context, string) (int64, error) { return 0, errDown }

func TestExternalFailsOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failures := 0

	store := NewExternal(brokenCounter{},
		WithLogger(logger),
		WithFailureHook(func(op string) { failures++ }),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := store.IncrementAndCheck(ctx, "10.0.0.1", Minute, 1)
		assert.True(t, res.Allowed)
		assert.True(t, res.Degraded)
	}
	assert.Equal(t, int64(0), store.Count(ctx, "10.0.0.1", Minute))

	assert.Equal(t, 4, failures)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "failing open")
}

func TestExternalFailsOpenOnUnreachableRedis(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	var buf bytes.Buffer
	store := NewExternal(NewRedisCounter(rdb),
		WithTimeout(100*time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(&buf, nil))),
	)

	res := store.IncrementAndCheck(context.Background(), "k", Minute, 1)
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Contains(t, buf.String(), "failing open")
	assert.Error(t, store.Ping(context.Background()))
}
