package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/waf/clock"
	"gatewarden/waf/counter"
)

var epoch = time.Date(2026, 3, 2, 10, 15, 20, 0, time.UTC)

func TestLimiterMinuteCeiling(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(counter.NewMemory(clk), Limits{PerMinute: 60, PerHour: 1000}, clk)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		require.Truef(t, l.Check(ctx, "10.0.0.1", Limits{}).Allowed, "request %d", i)
	}

	v := l.Check(ctx, "10.0.0.1", Limits{})
	assert.False(t, v.Allowed)
	assert.Equal(t, counter.Minute, v.Scope)
	assert.Equal(t, 40*time.Second, v.RetryAfter)
}

func TestLimiterHourCeiling(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(counter.NewMemory(clk), Limits{PerMinute: 100, PerHour: 3}, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.True(t, l.Check(ctx, "k", Limits{}).Allowed)
	}
	v := l.Check(ctx, "k", Limits{})
	assert.False(t, v.Allowed)
	assert.Equal(t, counter.Hour, v.Scope)
	assert.Equal(t, 44*time.Minute+40*time.Second, v.RetryAfter)
}

func TestLimiterAlwaysIncrements(t *testing.T) {
	clk := clock.NewManual(epoch)
	store := counter.NewMemory(clk)
	l := New(store, Limits{PerMinute: 1, PerHour: 100}, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Check(ctx, "k", Limits{})
	}
	assert.Equal(t, int64(5), store.Count(ctx, "k", counter.Minute))
	assert.Equal(t, int64(5), store.Count(ctx, "k", counter.Hour))
}

func TestLimiterRouteOverride(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(counter.NewMemory(clk), Limits{}, clk)
	ctx := context.Background()

	assert.Equal(t, Limits{PerMinute: DefaultPerMinute, PerHour: DefaultPerHour}, l.Defaults())

	strict := Limits{PerMinute: 2}
	assert.True(t, l.Check(ctx, "k", strict).Allowed)
	assert.True(t, l.Check(ctx, "k", strict).Allowed)
	assert.False(t, l.Check(ctx, "k", strict).Allowed)
}

func TestLimiterReadmitsAfterRollover(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := New(counter.NewMemory(clk), Limits{PerMinute: 2, PerHour: 100}, clk)
	ctx := context.Background()

	l.Check(ctx, "k", Limits{})
	l.Check(ctx, "k", Limits{})
	require.False(t, l.Check(ctx, "k", Limits{}).Allowed)

	clk.Advance(time.Minute)
	assert.True(t, l.Check(ctx, "k", Limits{}).Allowed)
	assert.True(t, l.Check(ctx, "k", Limits{}).Allowed)
	assert.False(t, l.Check(ctx, "k", Limits{}).Allowed)
}

func TestRetryAfterRounding(t *testing.T) {
	now := epoch
	tests := []struct {
		name  string
		reset time.Time
		want  time.Duration
	}{
		{"whole seconds", now.Add(10 * time.Second), 10 * time.Second},
		{"rounds up", now.Add(10*time.Second + time.Millisecond), 11 * time.Second},
		{"floor of one second", now.Add(100 * time.Millisecond), time.Second},
		{"already past", now.Add(-time.Second), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryAfter(tt.reset, now))
		})
	}
}
