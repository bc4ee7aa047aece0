package autoban

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gatewarden/waf/clock"
)

var epoch = time.Date(2026, 3, 2, 10, 59, 0, 0, time.UTC)

func TestLedgerThreshold(t *testing.T) {
	l := NewLedger(clock.NewManual(epoch))

	for i := 1; i < DefaultThreshold; i++ {
		assert.Equal(t, i, l.Increment("10.0.0.1"))
		assert.False(t, l.ShouldBlock("10.0.0.1", 0))
	}
	l.Increment("10.0.0.1")
	assert.True(t, l.ShouldBlock("10.0.0.1", 0))
	assert.False(t, l.ShouldBlock("10.0.0.2", 0))
	assert.True(t, l.ShouldBlock("10.0.0.1", 3))
	assert.False(t, l.ShouldBlock("10.0.0.1", 6))
}

func TestLedgerHourRollover(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := NewLedger(clk)

	l.Increment("k")
	l.Increment("k")
	assert.Equal(t, 2, l.Score("k"))

	clk.Advance(time.Minute)
	assert.Equal(t, 0, l.Score("k"), "score resets with the hour")
	assert.Equal(t, 1, l.Increment("k"))
}

func TestLedgerPruneAndReset(t *testing.T) {
	clk := clock.NewManual(epoch)
	l := NewLedger(clk)

	l.Increment("old")
	clk.Advance(2 * time.Minute)
	l.Increment("new")
	l.Increment("gone")

	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 2, l.Len())

	l.Reset("gone")
	assert.Equal(t, 1, l.Len())
}

func TestLedgerConcurrentIncrement(t *testing.T) {
	l := NewLedger(clock.NewManual(epoch))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Increment("k")
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, l.Score("k"))
}

func TestLedgerResetWhere(t *testing.T) {
	l := NewLedger(clock.NewManual(epoch))
	l.Increment("10.0.0.1")
	l.Increment("10.0.0.1|alice")
	l.Increment("10.0.0.10")

	n := l.ResetWhere(func(key string) bool {
		return key == "10.0.0.1" || strings.HasPrefix(key, "10.0.0.1|")
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, l.Score("10.0.0.10"))
}
