// Package maintenance runs the periodic sweep that drops expired per-key
// state from the in-memory stores.
package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 5 * time.Minute

// Task prunes one store and returns how many records it removed.
type Task struct {
	Name  string
	Prune func() int
}

// Sweeper runs its tasks on a ticker until the context is cancelled.
type Sweeper struct {
	interval time.Duration
	tasks    []Task
	logger   *slog.Logger
	after    func(removed map[string]int)
}

// New builds a sweeper. Tasks with a nil Prune are skipped.
func New(interval time.Duration, logger *slog.Logger, tasks ...Task) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{interval: interval, logger: logger}
	for _, t := range tasks {
		if t.Prune != nil {
			s.tasks = append(s.tasks, t)
		}
	}
	return s
}

// OnSweep registers a callback run after every sweep, e.g. to refresh
// gauges.
func (s *Sweeper) OnSweep(fn func(removed map[string]int)) { s.after = fn }

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs every task once. A panicking task is logged and the
// remaining tasks still run.
func (s *Sweeper) SweepOnce() map[string]int {
	removed := make(map[string]int, len(s.tasks))
	total := 0
	for _, t := range s.tasks {
		n := s.runTask(t)
		removed[t.Name] = n
		total += n
	}
	if total > 0 {
		s.logger.Debug("maintenance sweep", slog.Int("removed", total), slog.Any("by_store", removed))
	}
	if s.after != nil {
		s.after(removed)
	}
	return removed
}

func (s *Sweeper) runTask(t Task) (n int) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("maintenance task panic", slog.String("task", t.Name), slog.Any("panic", rec))
			n = 0
		}
	}()
	return t.Prune()
}
