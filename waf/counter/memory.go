package counter

import (
	"context"
	"sync"
	"time"

	"gatewarden/waf/clock"
)

type windowKey struct {
	key   string
	scope Scope
}

type window struct {
	start time.Time
	count int64
}

// Memory is the default in-process Store. A single mutex guards all keys;
// critical sections are a map lookup and an add.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[windowKey]*window
}

// NewMemory creates an empty in-process store. A nil clock uses the system
// clock.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		clock:   clock.OrSystem(c),
		windows: make(map[windowKey]*window),
	}
}

func (m *Memory) IncrementAndCheck(_ context.Context, key string, scope Scope, limit int) Result {
	now := m.clock.Now()
	start := scope.BucketStart(now)
	k := windowKey{key: key, scope: scope}

	m.mu.Lock()
	w, ok := m.windows[k]
	if !ok || !w.start.Equal(start) {
		// previous bucket for this key is unreachable now, reuse the slot
		w = &window{start: start}
		m.windows[k] = w
	}
	w.count++
	count := w.count
	m.mu.Unlock()

	return Result{
		Allowed: count <= int64(limit),
		Count:   count,
		Limit:   limit,
		ResetAt: start.Add(scope.Duration()),
	}
}

func (m *Memory) Count(_ context.Context, key string, scope Scope) int64 {
	start := scope.BucketStart(m.clock.Now())

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[windowKey{key: key, scope: scope}]
	if !ok || !w.start.Equal(start) {
		return 0
	}
	return w.count
}

// Prune drops every window whose bucket has ended and returns how many were
// removed.
func (m *Memory) Prune() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, w := range m.windows {
		if !now.Before(w.start.Add(k.scope.Duration())) {
			delete(m.windows, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of live windows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
