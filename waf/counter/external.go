package counter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"gatewarden/waf/clock"
)

// SharedCounter is the narrow contract consumed from a remote key-counter
// service. Both calls must tolerate a missing key and be safe to repeat.
type SharedCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (int64, error)
}

// External is a Store backed by a SharedCounter so that several processes
// share one view of each bucket. Any communication error fails open.
type External struct {
	client    SharedCounter
	clock     clock.Clock
	prefix    string
	timeout   time.Duration
	logger    *slog.Logger
	warn      *rate.Limiter
	onFailure func(op string)
}

// ExternalOption configures an External store.
type ExternalOption func(*External)

// WithPrefix sets the key namespace. Default "gatewarden:rl".
func WithPrefix(prefix string) ExternalOption {
	return func(e *External) {
		if prefix != "" {
			e.prefix = prefix
		}
	}
}

// WithTimeout bounds every remote call. Default 100ms.
func WithTimeout(d time.Duration) ExternalOption {
	return func(e *External) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) ExternalOption {
	return func(e *External) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(c clock.Clock) ExternalOption {
	return func(e *External) { e.clock = clock.OrSystem(c) }
}

// WithFailureHook is called once per failed remote operation, before the
// call fails open.
func WithFailureHook(fn func(op string)) ExternalOption {
	return func(e *External) { e.onFailure = fn }
}

// NewExternal wraps client as a Store.
func NewExternal(client SharedCounter, opts ...ExternalOption) *External {
	e := &External{
		client:  client,
		clock:   clock.System,
		prefix:  "gatewarden:rl",
		timeout: 100 * time.Millisecond,
		logger:  slog.Default(),
		// a dead backend would otherwise log once per request
		warn: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *External) bucketKey(key string, scope Scope, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%s", e.prefix, scope, start.Unix(), key)
}

func (e *External) IncrementAndCheck(ctx context.Context, key string, scope Scope, limit int) Result {
	start := scope.BucketStart(e.clock.Now())
	res := Result{Limit: limit, ResetAt: start.Add(scope.Duration())}
	k := e.bucketKey(key, scope, start)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	n, err := e.client.Incr(ctx, k)
	if err != nil {
		e.failOpen("incr", key, err)
		res.Allowed = true
		res.Degraded = true
		return res
	}
	if n == 1 {
		// the bucket key embeds its start time, so a TTL of one scope is
		// enough for it to disappear after the bucket ends
		if err := e.client.Expire(ctx, k, scope.Duration()); err != nil {
			e.failOpen("expire", key, err)
		}
	}

	res.Count = n
	res.Allowed = n <= int64(limit)
	return res
}

func (e *External) Count(ctx context.Context, key string, scope Scope) int64 {
	start := scope.BucketStart(e.clock.Now())

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	n, err := e.client.Get(ctx, e.bucketKey(key, scope, start))
	if err != nil {
		e.failOpen("get", key, err)
		return 0
	}
	return n
}

// Ping checks backend reachability when the client supports it.
func (e *External) Ping(ctx context.Context) error {
	p, ok := e.client.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return p.Ping(ctx)
}

func (e *External) failOpen(op, key string, err error) {
	if e.onFailure != nil {
		e.onFailure(op)
	}
	if e.warn.Allow() {
		e.logger.Warn("counter store unavailable, failing open",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
