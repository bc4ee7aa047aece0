package blocklist

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type fileFormat struct {
	LastModified time.Time `json:"last_modified"`
	Entries      []Entry   `json:"entries"`
}

// Save writes the active entries to the configured path atomically. The
// snapshot is taken under the save lock so writes land in mutation order;
// the state lock is released before any file I/O.
func (l *List) Save() error {
	if l.path == "" {
		return nil
	}

	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	data, err := json.MarshalIndent(fileFormat{
		LastModified: l.clock.Now().UTC(),
		Entries:      l.Entries(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal block list: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create block list directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".blocklist-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write block list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write block list: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace block list: %w", err)
	}
	l.lastSaved = data
	return nil
}

// Load replaces the in-memory entries with the file contents. A missing
// file is not an error. Content identical to the last save is skipped so
// that our own writes do not bounce back through the file watcher.
func (l *List) Load() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read block list: %w", err)
	}

	l.saveMu.Lock()
	unchanged := l.lastSaved != nil && bytes.Equal(data, l.lastSaved)
	l.saveMu.Unlock()
	if unchanged {
		return nil
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse block list: %w", err)
	}

	now := l.clock.Now()
	entries := make(map[string]*Entry, len(file.Entries))
	for i := range file.Entries {
		e := file.Entries[i]
		ip, err := Normalize(e.IP)
		if err != nil {
			l.logger.Warn("skipping block list entry", slog.String("ip", e.IP), slog.String("error", err.Error()))
			continue
		}
		if e.Expired(now) || l.IsWhitelisted(ip) {
			continue
		}
		e.IP = ip
		if e.Origin == "" {
			e.Origin = Manual
		}
		entries[ip] = &e
	}

	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()

	l.logger.Info("block list loaded", slog.String("path", l.path), slog.Int("entries", len(entries)))
	return nil
}
