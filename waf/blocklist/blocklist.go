// Package blocklist holds the set of blocked client addresses consulted
// before any other admission check.
package blocklist

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"gatewarden/waf/clock"
)

// Origin records who created an entry.
type Origin string

const (
	Automatic Origin = "automatic"
	Manual    Origin = "manual"
)

// ReasonSuspicious is used for entries created by the suspicion ledger.
const ReasonSuspicious = "suspicious_activity"

var (
	ErrInvalidIP   = errors.New("invalid IP address")
	ErrWhitelisted = errors.New("address is whitelisted")
)

// Entry is one blocked address. A nil ExpiresAt never expires.
type Entry struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	Origin    Origin     `json:"origin"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether e no longer applies at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Config configures a List.
type Config struct {
	// TTL bounds every new entry. Zero keeps entries until they are
	// explicitly removed.
	TTL time.Duration

	// Whitelist holds IPs or CIDRs that are never blocked.
	Whitelist []string

	// Path enables JSON persistence when set.
	Path string
}

type List struct {
	mu        sync.RWMutex
	entries   map[string]*Entry
	whitelist []*net.IPNet
	ttl       time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	path      string
	saveMu    sync.Mutex
	lastSaved []byte
}

// New builds a List and loads persisted entries when cfg.Path exists.
func New(cfg Config, c clock.Clock, logger *slog.Logger) (*List, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &List{
		entries: make(map[string]*Entry),
		ttl:     cfg.TTL,
		clock:   clock.OrSystem(c),
		logger:  logger,
		path:    cfg.Path,
	}

	for _, cidr := range cfg.Whitelist {
		ipNet, err := parseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid whitelist entry %q: %w", cidr, err)
		}
		l.whitelist = append(l.whitelist, ipNet)
	}

	if l.path != "" {
		if err := l.Load(); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func parseCIDR(s string) (*net.IPNet, error) {
	if _, ipNet, err := net.ParseCIDR(s); err == nil {
		return ipNet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, ErrInvalidIP
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Normalize returns the canonical text form of ip.
func Normalize(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return parsed.String(), nil
}

// IsWhitelisted reports whether ip can never be blocked.
func (l *List) IsWhitelisted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range l.whitelist {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// Add blocks ip. Blocking an address that is already blocked keeps the
// existing entry and returns added=false.
func (l *List) Add(ip, reason string, origin Origin) (entry Entry, added bool, err error) {
	ip, err = Normalize(ip)
	if err != nil {
		return Entry{}, false, err
	}
	if l.IsWhitelisted(ip) {
		return Entry{}, false, fmt.Errorf("%w: %s", ErrWhitelisted, ip)
	}

	now := l.clock.Now()
	l.mu.Lock()
	if existing, ok := l.entries[ip]; ok && !existing.Expired(now) {
		entry = *existing
		l.mu.Unlock()
		return entry, false, nil
	}
	e := &Entry{IP: ip, Reason: reason, Origin: origin, BlockedAt: now}
	if l.ttl > 0 {
		exp := now.Add(l.ttl)
		e.ExpiresAt = &exp
	}
	l.entries[ip] = e
	entry = *e
	l.mu.Unlock()

	l.persist()
	return entry, true, nil
}

// Remove unblocks ip and reports whether an entry existed.
func (l *List) Remove(ip string) (bool, error) {
	ip, err := Normalize(ip)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	_, ok := l.entries[ip]
	delete(l.entries, ip)
	l.mu.Unlock()

	if ok {
		l.persist()
	}
	return ok, nil
}

// Contains returns the active entry for ip.
func (l *List) Contains(ip string) (Entry, bool) {
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[ip]
	if !ok || e.Expired(now) {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns the active entries, oldest first.
func (l *List) Entries() []Entry {
	now := l.clock.Now()

	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.Expired(now) {
			out = append(out, *e)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].IP < out[j].IP
		}
		return out[i].BlockedAt.Before(out[j].BlockedAt)
	})
	return out
}

// Count returns the number of active entries.
func (l *List) Count() int {
	now := l.clock.Now()

	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, e := range l.entries {
		if !e.Expired(now) {
			n++
		}
	}
	return n
}

// CleanExpired removes expired entries and returns how many were dropped.
func (l *List) CleanExpired() int {
	now := l.clock.Now()

	l.mu.Lock()
	removed := 0
	for ip, e := range l.entries {
		if e.Expired(now) {
			delete(l.entries, ip)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.persist()
	}
	return removed
}

// Path returns the persistence file, empty when persistence is off.
func (l *List) Path() string { return l.path }

func (l *List) persist() {
	if l.path == "" {
		return
	}
	if err := l.Save(); err != nil {
		l.logger.Error("failed to persist block list",
			slog.String("path", l.path),
			slog.String("error", err.Error()),
		)
	}
}
