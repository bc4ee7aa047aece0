// Package ratelimit enforces per-minute and per-hour request ceilings per
// client key on top of a counter.Store.
package ratelimit

import (
	"context"
	"time"

	"gatewarden/waf/clock"
	"gatewarden/waf/counter"
)

const (
	DefaultPerMinute = 60
	DefaultPerHour   = 1000
)

// Limits holds request ceilings. Zero fields mean "inherit".
type Limits struct {
	PerMinute int
	PerHour   int
}

// Merge returns l with zero or negative fields taken from base.
func (l Limits) Merge(base Limits) Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = base.PerMinute
	}
	if l.PerHour <= 0 {
		l.PerHour = base.PerHour
	}
	return l
}

// Verdict is the outcome of one Check.
type Verdict struct {
	Allowed bool

	// Scope is the window that was exceeded. Only meaningful when
	// Allowed is false; the hour wins when both are exceeded.
	Scope      counter.Scope
	RetryAfter time.Duration

	// Degraded reports that the counter store failed open.
	Degraded bool

	Minute counter.Result
	Hour   counter.Result
}

type Limiter struct {
	store    counter.Store
	defaults Limits
	clock    clock.Clock
}

// New creates a Limiter. Zero fields in defaults fall back to
// DefaultPerMinute and DefaultPerHour.
func New(store counter.Store, defaults Limits, c clock.Clock) *Limiter {
	return &Limiter{
		store:    store,
		defaults: defaults.Merge(Limits{PerMinute: DefaultPerMinute, PerHour: DefaultPerHour}),
		clock:    clock.OrSystem(c),
	}
}

// Defaults returns the effective global limits.
func (l *Limiter) Defaults() Limits { return l.defaults }

// Check counts one request for key against both windows. Both counters are
// always incremented so that totals follow actual load even when the
// request ends up rejected.
func (l *Limiter) Check(ctx context.Context, key string, override Limits) Verdict {
	limits := override.Merge(l.defaults)

	minute := l.store.IncrementAndCheck(ctx, key, counter.Minute, limits.PerMinute)
	hour := l.store.IncrementAndCheck(ctx, key, counter.Hour, limits.PerHour)

	v := Verdict{
		Allowed:  minute.Allowed && hour.Allowed,
		Degraded: minute.Degraded || hour.Degraded,
		Minute:   minute,
		Hour:     hour,
	}
	if v.Allowed {
		return v
	}

	now := l.clock.Now()
	if !hour.Allowed {
		v.Scope = counter.Hour
		v.RetryAfter = retryAfter(hour.ResetAt, now)
	} else {
		v.Scope = counter.Minute
		v.RetryAfter = retryAfter(minute.ResetAt, now)
	}
	return v
}

// retryAfter rounds the wait up to whole seconds and never returns less
// than one second.
func retryAfter(reset, now time.Time) time.Duration {
	d := reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}
