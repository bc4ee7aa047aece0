// Package admin exposes the operator surface: manual blocks, security
// statistics and retention cleanup, as a Go service and a loopback-only
// HTTP API.
package admin

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gatewarden/waf"
	"gatewarden/waf/audit"
	"gatewarden/waf/auth"
	"gatewarden/waf/autoban"
	"gatewarden/waf/blocklist"
	"gatewarden/waf/clock"
	"gatewarden/waf/counter"
	"gatewarden/waf/metrics"
)

// DefaultStatsWindow is used when a stats request has no lower bound.
const DefaultStatsWindow = 7 * 24 * time.Hour

var ErrInvalidRetention = errors.New("retention must be at least one day")

// Deps are the stores the service reports on. Guard performs the
// mutations so that audit records and metrics stay consistent with the
// request path.
type Deps struct {
	Guard      *waf.Guard
	BlockList  *blocklist.List
	Audit      *audit.Log
	LoginGuard *auth.Guard
	Ledger     *autoban.Ledger
	Store      counter.Store
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Logger     *slog.Logger

	// ArchiveDir receives brotli archives of purged audit records.
	ArchiveDir string
}

type Service struct {
	guard      *waf.Guard
	blocks     *blocklist.List
	audit      *audit.Log
	login      *auth.Guard
	ledger     *autoban.Ledger
	store      counter.Store
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
	archiveDir string
}

func NewService(d Deps) (*Service, error) {
	if d.Guard == nil || d.BlockList == nil || d.Audit == nil || d.LoginGuard == nil || d.Ledger == nil {
		return nil, errors.New("admin: guard, block list, audit log, login guard and ledger are required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		guard:      d.Guard,
		blocks:     d.BlockList,
		audit:      d.Audit,
		login:      d.LoginGuard,
		ledger:     d.Ledger,
		store:      d.Store,
		metrics:    d.Metrics,
		clock:      clock.OrSystem(d.Clock),
		logger:     d.Logger,
		archiveDir: d.ArchiveDir,
	}, nil
}

// BlockIP adds a manual block. Blocking an address twice is a no-op that
// is still audited.
func (s *Service) BlockIP(ip, reason string) (blocklist.Entry, bool, error) {
	return s.guard.BlockIP(ip, reason)
}

// UnblockIP removes ip from the block list and clears its suspicion
// scores.
func (s *Service) UnblockIP(ip string) (bool, error) {
	return s.guard.UnblockIP(ip)
}

// ListBlocks returns the active entries sorted by address.
func (s *Service) ListBlocks() []blocklist.Entry {
	return s.blocks.Entries()
}

// TrackedKeys counts live per-key records in the in-memory structures.
type TrackedKeys struct {
	Counters  int `json:"counter_windows"`
	Logins    int `json:"login_keys"`
	Suspicion int `json:"suspicion_keys"`
	AuditLog  int `json:"audit_records"`
}

type SecurityStats struct {
	audit.Stats
	ActiveBlocks int               `json:"active_blocks"`
	Logins       auth.AttemptStats `json:"login_attempts"`
	Tracked      TrackedKeys       `json:"tracked"`
}

// SecurityStats aggregates the audit log over [since, until) and adds a
// read-only snapshot of the live structures. A zero until means now; a
// zero since means DefaultStatsWindow before until.
func (s *Service) SecurityStats(since, until time.Time) SecurityStats {
	if until.IsZero() {
		until = s.clock.Now()
	}
	if since.IsZero() {
		since = until.Add(-DefaultStatsWindow)
	}

	stats := SecurityStats{
		Stats:        s.audit.Stats(since, until),
		ActiveBlocks: s.blocks.Count(),
		Logins:       s.login.Totals(),
		Tracked: TrackedKeys{
			Logins:    s.login.Len(),
			Suspicion: s.ledger.Len(),
			AuditLog:  s.audit.Len(),
		},
	}
	if p, ok := s.store.(counter.Pruner); ok {
		stats.Tracked.Counters = p.Len()
	}
	return stats
}

// CleanupResult reports what CleanupOldData removed.
type CleanupResult struct {
	Before          time.Time `json:"before"`
	AuditRemoved    int       `json:"audit_removed"`
	Archive         string    `json:"archive,omitempty"`
	CountersPruned  int       `json:"counters_pruned"`
	LoginPruned     int       `json:"login_pruned"`
	SuspicionPruned int       `json:"suspicion_pruned"`
	ExpiredBlocks   int       `json:"expired_blocks"`
}

// CleanupOldData drops audit records older than retentionDays, archiving
// them first when an archive directory is configured, and prunes expired
// per-key state. Live counters inside their window are never touched.
func (s *Service) CleanupOldData(retentionDays int) (CleanupResult, error) {
	if retentionDays < 1 {
		return CleanupResult{}, ErrInvalidRetention
	}
	now := s.clock.Now()
	res := CleanupResult{Before: now.Add(-time.Duration(retentionDays) * 24 * time.Hour)}

	if s.archiveDir != "" {
		old := s.audit.Records(time.Time{}, res.Before)
		if len(old) > 0 {
			path, err := audit.WriteArchive(s.archiveDir, old, now)
			if err != nil {
				return res, fmt.Errorf("archive audit records: %w", err)
			}
			res.Archive = path
		}
	}
	res.AuditRemoved = len(s.audit.Cleanup(res.Before))

	if p, ok := s.store.(counter.Pruner); ok {
		res.CountersPruned = p.Prune()
	}
	res.LoginPruned = s.login.Prune()
	res.SuspicionPruned = s.ledger.Prune()
	res.ExpiredBlocks = s.blocks.CleanExpired()

	s.metrics.AuditRecords.Set(float64(s.audit.Len()))
	s.metrics.BlockListSize.Set(float64(s.blocks.Count()))
	s.logger.Info("cleanup completed",
		slog.Int("retention_days", retentionDays),
		slog.Int("audit_removed", res.AuditRemoved),
		slog.String("archive", res.Archive),
		slog.Int("expired_blocks", res.ExpiredBlocks),
	)
	return res, nil
}
