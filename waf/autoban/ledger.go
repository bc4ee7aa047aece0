// Package autoban keeps an hourly suspicion score per client key and
// decides when a key has earned a block.
package autoban

import (
	"sync"
	"time"

	"gatewarden/waf/clock"
)

// DefaultThreshold is the number of hits within one hour that triggers a
// block.
const DefaultThreshold = 5

type score struct {
	hour time.Time
	hits int
}

// Ledger accumulates signature hits per key. A score never decreases
// within its hour and restarts at zero when the hour rolls over.
type Ledger struct {
	mu     sync.Mutex
	clock  clock.Clock
	scores map[string]*score
}

func NewLedger(c clock.Clock) *Ledger {
	return &Ledger{
		clock:  clock.OrSystem(c),
		scores: make(map[string]*score),
	}
}

// Increment records one hit for key and returns the current hour's score.
func (l *Ledger) Increment(key string) int {
	hour := l.clock.Now().Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.scores[key]
	if !ok || !s.hour.Equal(hour) {
		s = &score{hour: hour}
		l.scores[key] = s
	}
	s.hits++
	return s.hits
}

// Score returns key's hits in the current hour.
func (l *Ledger) Score(key string) int {
	hour := l.clock.Now().Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.scores[key]
	if !ok || !s.hour.Equal(hour) {
		return 0
	}
	return s.hits
}

// ShouldBlock reports whether key's score has reached threshold. A
// non-positive threshold uses DefaultThreshold.
func (l *Ledger) ShouldBlock(key string, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return l.Score(key) >= threshold
}

// Reset forgets key.
func (l *Ledger) Reset(key string) {
	l.mu.Lock()
	delete(l.scores, key)
	l.mu.Unlock()
}

// ResetWhere forgets every key for which match returns true and returns
// how many were dropped. Used when an operator unblocks an address that
// several composite keys share.
func (l *Ledger) ResetWhere(match func(key string) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.scores {
		if match(key) {
			delete(l.scores, key)
			n++
		}
	}
	return n
}

// Prune drops scores from past hours and returns how many were removed.
func (l *Ledger) Prune() int {
	hour := l.clock.Now().Truncate(time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, s := range l.scores {
		if s.hour.Before(hour) {
			delete(l.scores, key)
			removed++
		}
	}
	return removed
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scores)
}
