// Package reload watches files on disk and re-applies them when they
// change.
package reload

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"gatewarden/waf/metrics"

	"github.com/fsnotify/fsnotify"
)

// Target is a watched file and the function that applies it.
type Target struct {
	Name   string
	Path   string
	Reload func() error
}

// Config holds reload manager configuration
type Config struct {
	// Debounce is the quiet period after the last change before a reload
	// runs. Editors and atomic renames produce bursts of events.
	Debounce time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Manager handles file watching and hot-reloading
type Manager struct {
	watcher  *fsnotify.Watcher
	targets  map[string]Target // by base name
	debounce time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	pending    map[string]*time.Timer
	lastReload map[string]time.Time

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// NewManager creates a reload manager for targets. Targets with an empty
// path are ignored.
func NewManager(cfg Config, targets ...Target) (*Manager, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	m := &Manager{
		watcher:    watcher,
		targets:    make(map[string]Target),
		debounce:   cfg.Debounce,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		pending:    make(map[string]*time.Timer),
		lastReload: make(map[string]time.Time),
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	for _, t := range targets {
		if t.Path == "" || t.Reload == nil {
			continue
		}
		// watch the directory so atomic renames are seen
		if err := watcher.Add(filepath.Dir(t.Path)); err != nil {
			m.logger.Warn("could not watch file, automatic reloads unavailable",
				slog.String("type", t.Name), slog.String("path", t.Path), slog.String("error", err.Error()))
			continue
		}
		m.targets[filepath.Base(t.Path)] = t
		m.logger.Info("watching file for changes", slog.String("type", t.Name), slog.String("path", t.Path))
	}

	go m.watch()
	return m, nil
}

func (m *Manager) watch() {
	defer close(m.done)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				m.schedule(event.Name)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("file watcher error", slog.String("error", err.Error()))

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) schedule(path string) {
	t, ok := m.targets[filepath.Base(path)]
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.pending[t.Name]; ok {
		timer.Reset(m.debounce)
		return
	}
	m.pending[t.Name] = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		delete(m.pending, t.Name)
		m.mu.Unlock()

		select {
		case <-m.stopChan:
			return
		default:
		}
		m.logger.Info("file changed, reloading", slog.String("type", t.Name))
		_ = m.apply(t)
	})
}

func (m *Manager) apply(t Target) error {
	if err := t.Reload(); err != nil {
		m.logger.Error("reload failed", slog.String("type", t.Name), slog.String("error", err.Error()))
		return fmt.Errorf("%s: %w", t.Name, err)
	}
	m.mu.Lock()
	m.lastReload[t.Name] = time.Now()
	m.mu.Unlock()
	m.metrics.ConfigReloads.WithLabelValues(t.Name).Inc()
	return nil
}

// ReloadAll reloads every target immediately, e.g. on SIGHUP.
func (m *Manager) ReloadAll() error {
	var errs []error
	for _, t := range m.targets {
		if err := m.apply(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status describes the watched targets. The server reports it under
// "reload" in the health info.
func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make(map[string]string, len(m.targets))
	for _, t := range m.targets {
		files[t.Name] = t.Path
	}
	last := make(map[string]string, len(m.lastReload))
	for name, at := range m.lastReload {
		last[name] = at.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"files":         files,
		"debounce_time": m.debounce.String(),
		"last_reloads":  last,
	}
}

// Stop stops the file watcher and waits for the event loop to exit.
func (m *Manager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopChan)
		err = m.watcher.Close()
		<-m.done

		m.mu.Lock()
		for name, timer := range m.pending {
			timer.Stop()
			delete(m.pending, name)
		}
		m.mu.Unlock()
	})
	return err
}
