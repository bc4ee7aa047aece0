// Package counter implements fixed-window request counting with an
// in-process backend and an external shared backend.
//
// Buckets are aligned to wall-clock minute or hour boundaries, so a client
// can legally place up to twice its limit across a boundary. That is the
// accepted trade-off of fixed-window counting.
package counter

import (
	"context"
	"fmt"
	"time"
)

// Scope is the granularity of a counting window.
type Scope int

const (
	Minute Scope = iota
	Hour
)

// Duration returns the length of one bucket.
func (s Scope) Duration() time.Duration {
	if s == Hour {
		return time.Hour
	}
	return time.Minute
}

func (s Scope) String() string {
	switch s {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// BucketStart truncates t to the start of its bucket.
func (s Scope) BucketStart(t time.Time) time.Time {
	return t.Truncate(s.Duration())
}

// Result is the outcome of one increment.
type Result struct {
	Allowed bool
	Count   int64
	Limit   int
	ResetAt time.Time

	// Degraded is set when the backend could not be reached and the call
	// failed open.
	Degraded bool
}

// Store counts events per key and bucket.
//
// IncrementAndCheck always increments, then reports whether the
// post-increment value is within limit. Implementations must never return
// Allowed=false because of a backend failure.
type Store interface {
	IncrementAndCheck(ctx context.Context, key string, scope Scope, limit int) Result
	Count(ctx context.Context, key string, scope Scope) int64
}

// Pruner is implemented by stores that hold per-key state in process.
type Pruner interface {
	Prune() int
	Len() int
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}
