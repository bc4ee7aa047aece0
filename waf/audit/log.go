// Package audit keeps a bounded, append-only record of attack detections
// and block list changes.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gatewarden/waf/clock"
)

const DefaultCapacity = 10000

// Kind classifies a record.
type Kind string

const (
	KindAttack  Kind = "attack"
	KindBlock   Kind = "block"
	KindUnblock Kind = "unblock"
)

// Record is immutable once appended.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	ClientKey string    `json:"client_key,omitempty"`
	IP        string    `json:"ip"`
	Method    string    `json:"method,omitempty"`
	URL       string    `json:"url,omitempty"`
	Category  string    `json:"category,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Field     string    `json:"field,omitempty"`
	Excerpt   string    `json:"excerpt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Origin    string    `json:"origin,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Log is a fixed-capacity ring buffer. When full, the oldest record is
// overwritten.
type Log struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	size  int
	clock clock.Clock

	sinkMu sync.Mutex
	sink   *json.Encoder
	logger *slog.Logger
}

type Option func(*Log)

func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = clock.OrSystem(c) }
}

// WithSink mirrors every appended record as one JSON line to w, so records
// outlive ring buffer eviction.
func WithSink(w io.Writer) Option {
	return func(l *Log) {
		if w != nil {
			l.sink = json.NewEncoder(w)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a Log holding at most capacity records.
func New(capacity int, opts ...Option) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		buf:    make([]Record, capacity),
		clock:  clock.System,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores r, filling in ID and Timestamp when unset, and returns the
// stored record.
func (l *Log) Append(r Record) Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = l.clock.Now().UTC()
	}

	l.mu.Lock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.size < len(l.buf) {
		l.size++
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.sinkMu.Lock()
		err := l.sink.Encode(r)
		l.sinkMu.Unlock()
		if err != nil {
			l.logger.Error("failed to write audit record", slog.String("id", r.ID), slog.String("error", err.Error()))
		}
	}
	return r
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Capacity returns the ring size.
func (l *Log) Capacity() int { return len(l.buf) }

// snapshotLocked returns the retained records in append order.
func (l *Log) snapshotLocked() []Record {
	out := make([]Record, 0, l.size)
	start := (l.next - l.size + len(l.buf)) % len(l.buf)
	for i := 0; i < l.size; i++ {
		out = append(out, l.buf[(start+i)%len(l.buf)])
	}
	return out
}

// Records returns the retained records with since <= Timestamp < until in
// append order. A zero bound is open.
func (l *Log) Records(since, until time.Time) []Record {
	l.mu.Lock()
	all := l.snapshotLocked()
	l.mu.Unlock()

	out := all[:0]
	for _, r := range all {
		if inWindow(r.Timestamp, since, until) {
			out = append(out, r)
		}
	}
	return out
}

// Cleanup drops every record older than before and returns them.
func (l *Log) Cleanup(before time.Time) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var kept, removed []Record
	for _, r := range l.snapshotLocked() {
		if r.Timestamp.Before(before) {
			removed = append(removed, r)
		} else {
			kept = append(kept, r)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	clear(l.buf)
	copy(l.buf, kept)
	l.size = len(kept)
	l.next = len(kept) % len(l.buf)
	return removed
}

func inWindow(t, since, until time.Time) bool {
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && !t.Before(until) {
		return false
	}
	return true
}
