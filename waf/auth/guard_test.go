package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewarden/waf/clock"
)

var epoch = time.Date(2026, 3, 2, 10, 20, 0, 0, time.UTC)

func TestGuardLocksAfterMaxFailures(t *testing.T) {
	clk := clock.NewManual(epoch)
	g := NewGuard(clk)

	for i := 0; i < 5; i++ {
		ok, _ := g.Check("10.0.0.1", 5)
		require.Truef(t, ok, "attempt %d", i+1)
		g.Record("10.0.0.1", Failure)
		clk.Advance(time.Second)
	}

	ok, retry := g.Check("10.0.0.1", 5)
	assert.False(t, ok)
	assert.Equal(t, 39*time.Minute+55*time.Second, retry)

	other, _ := g.Check("10.0.0.2", 5)
	assert.True(t, other, "keys are independent")
}

func TestGuardSuccessDoesNotResetFailures(t *testing.T) {
	g := NewGuard(clock.NewManual(epoch))

	g.Record("k", Failure)
	g.Record("k", Failure)
	g.Record("k", Success)
	g.Record("k", Failure)

	ok, _ := g.Check("k", 4)
	assert.False(t, ok)
	assert.Equal(t, AttemptStats{Successes: 1, Failures: 3}, g.Stats("k"))
}

func TestGuardReleasesOnHourRollover(t *testing.T) {
	clk := clock.NewManual(epoch)
	g := NewGuard(clk)

	for i := 0; i < 3; i++ {
		g.Record("k", Failure)
	}
	ok, _ := g.Check("k", 3)
	require.False(t, ok)

	clk.Set(time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC))
	ok, _ = g.Check("k", 3)
	assert.True(t, ok)

	// records are still retained for the rolling hour
	assert.Equal(t, 3, g.Stats("k").Failures)
}

func TestGuardPrune(t *testing.T) {
	clk := clock.NewManual(epoch)
	g := NewGuard(clk)

	g.Record("old", Failure)
	clk.Advance(30 * time.Minute)
	g.Record("fresh", Success)
	clk.Advance(31 * time.Minute)

	assert.Equal(t, 1, g.Prune())
	assert.Equal(t, 1, g.Len())
	assert.Equal(t, AttemptStats{Keys: 1, Successes: 1}, g.Totals())
}

func TestGuardDefaultCeiling(t *testing.T) {
	g := NewGuard(clock.NewManual(epoch))
	for i := 0; i < DefaultAttemptsPerHour; i++ {
		g.Record("k", Failure)
	}
	ok, _ := g.Check("k", 0)
	assert.False(t, ok)
}

func TestGuardConcurrentRecord(t *testing.T) {
	g := NewGuard(clock.NewManual(epoch))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := Failure
			if i%2 == 0 {
				outcome = Success
			}
			g.Record("k", outcome)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, AttemptStats{Successes: 10, Failures: 10}, g.Stats("k"))
}

func TestGuardReserveIsAtomic(t *testing.T) {
	g := NewGuard(clock.NewManual(epoch))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := g.Reserve("k", 5); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, granted)
	assert.Equal(t, AttemptStats{Pending: 5}, g.Stats("k"))

	ok, _ := g.Check("k", 5)
	assert.False(t, ok, "pending reservations count toward the ceiling")

	for i := 0; i < 5; i++ {
		g.Record("k", Failure)
	}
	assert.Equal(t, AttemptStats{Failures: 5}, g.Stats("k"))
}

func TestGuardRecordSettlesReservation(t *testing.T) {
	clk := clock.NewManual(epoch)
	g := NewGuard(clk)

	ok, _ := g.Reserve("k", 2)
	require.True(t, ok)
	clk.Advance(time.Second)
	g.Record("k", Success)
	assert.Equal(t, AttemptStats{Successes: 1}, g.Stats("k"))

	// without a reservation Record appends
	g.Record("k", Failure)
	assert.Equal(t, AttemptStats{Successes: 1, Failures: 1}, g.Stats("k"))
}

func TestGuardRelease(t *testing.T) {
	g := NewGuard(clock.NewManual(epoch))

	ok, _ := g.Reserve("k", 1)
	require.True(t, ok)
	ok, _ = g.Reserve("k", 1)
	require.False(t, ok)

	g.Release("k")
	assert.Equal(t, 0, g.Len())
	ok, _ = g.Reserve("k", 1)
	assert.True(t, ok)

	g.Release("missing")
}

func TestGuardRetryAfterRoundsUp(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 3, 2, 10, 59, 58, 600*int(time.Millisecond), time.UTC))
	g := NewGuard(clk)

	g.Record("k", Failure)
	ok, retry := g.Check("k", 1)
	require.False(t, ok)
	assert.Equal(t, 2*time.Second, retry)
}
