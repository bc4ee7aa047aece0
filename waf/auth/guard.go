// Package auth guards authentication endpoints with a per-hour attempt
// ceiling that is independent of the general request rate limiter.
package auth

import (
	"sync"
	"time"

	"gatewarden/waf/clock"
)

// DefaultAttemptsPerHour is used when a caller passes a non-positive
// ceiling.
const DefaultAttemptsPerHour = 5

// retention is how long attempt records are kept per key.
const retention = time.Hour

// Outcome of an authentication attempt.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

type attempt struct {
	at      time.Time
	outcome Outcome
	pending bool
}

// AttemptStats summarizes the attempts retained for one key or for all keys.
// Pending counts attempts admitted by Reserve whose outcome is not known yet.
type AttemptStats struct {
	Keys      int `json:"keys,omitempty"`
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
	Pending   int `json:"pending,omitempty"`
}

// Guard is the login attempt guard. It keeps a rolling hour of records per
// key; the ceiling itself is evaluated against the current wall-clock hour
// so a locked key is released when the hour rolls over.
type Guard struct {
	mu       sync.Mutex
	clock    clock.Clock
	attempts map[string][]attempt
}

func NewGuard(c clock.Clock) *Guard {
	return &Guard{
		clock:    clock.OrSystem(c),
		attempts: make(map[string][]attempt),
	}
}

// Check reports whether key may make another attempt without reserving
// it. Successes, failures and pending reservations all count toward
// maxAttempts, so a success never resets the tally. When the key is
// locked, retryAfter is the time left in the hour.
func (g *Guard) Check(key string, maxAttempts int) (allowed bool, retryAfter time.Duration) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.admitLocked(key, maxAttempts, now)
}

// Reserve is Check plus a pending attempt recorded under the same lock, so
// concurrent attempts from one key cannot all pass a ceiling none of them
// has been counted against yet. Settle the reservation with Record once the
// outcome is known, or drop it with Release if the attempt never reached
// the authenticator. An unsettled reservation counts as an attempt until
// it ages out.
func (g *Guard) Reserve(key string, maxAttempts int) (allowed bool, retryAfter time.Duration) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	allowed, retryAfter = g.admitLocked(key, maxAttempts, now)
	if allowed {
		g.attempts[key] = append(g.attempts[key], attempt{at: now, pending: true})
	}
	return allowed, retryAfter
}

// Release drops the oldest pending reservation for key.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	records := g.attempts[key]
	for i, a := range records {
		if a.pending {
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	if len(records) == 0 {
		delete(g.attempts, key)
		return
	}
	g.attempts[key] = records
}

// Record stores the outcome of an attempt. It settles the oldest pending
// reservation for key, keeping its admission time, or appends a new record
// when there is none. Call it after the handler ran, whatever the outcome.
func (g *Guard) Record(key string, outcome Outcome) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	records := g.pruneLocked(key, now)
	for i := range records {
		if records[i].pending {
			records[i].pending = false
			records[i].outcome = outcome
			return
		}
	}
	g.attempts[key] = append(records, attempt{at: now, outcome: outcome})
}

// admitLocked counts key's attempts in the current hour. g.mu must be held.
func (g *Guard) admitLocked(key string, maxAttempts int, now time.Time) (bool, time.Duration) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultAttemptsPerHour
	}
	hourStart := now.Truncate(time.Hour)

	n := 0
	for _, a := range g.pruneLocked(key, now) {
		if !a.at.Before(hourStart) {
			n++
		}
	}
	if n < maxAttempts {
		return true, 0
	}
	return false, ceilSecond(hourStart.Add(time.Hour).Sub(now))
}

// ceilSecond rounds d up to a whole second, minimum one.
func ceilSecond(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

// Stats returns success and failure totals for key over the retained hour.
func (g *Guard) Stats(key string) AttemptStats {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	return tally(g.pruneLocked(key, now))
}

// Totals aggregates every key without pruning.
func (g *Guard) Totals() AttemptStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	var s AttemptStats
	for _, records := range g.attempts {
		t := tally(records)
		s.Successes += t.Successes
		s.Failures += t.Failures
		s.Pending += t.Pending
	}
	s.Keys = len(g.attempts)
	return s
}

// Prune drops records older than the retention window and returns the
// number of keys removed entirely.
func (g *Guard) Prune() int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key := range g.attempts {
		if len(g.pruneLocked(key, now)) == 0 {
			removed++
		}
	}
	return removed
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attempts)
}

// pruneLocked trims key's records in place. g.mu must be held.
func (g *Guard) pruneLocked(key string, now time.Time) []attempt {
	records, ok := g.attempts[key]
	if !ok {
		return nil
	}
	cutoff := now.Add(-retention)
	i := 0
	for i < len(records) && !records[i].at.After(cutoff) {
		i++
	}
	if i == len(records) {
		delete(g.attempts, key)
		return nil
	}
	if i > 0 {
		records = append(records[:0], records[i:]...)
		g.attempts[key] = records
	}
	return records
}

func tally(records []attempt) AttemptStats {
	var s AttemptStats
	for _, a := range records {
		if a.pending {
			s.Pending++
		} else if a.outcome == Success {
			s.Successes++
		} else {
			s.Failures++
		}
	}
	return s
}
