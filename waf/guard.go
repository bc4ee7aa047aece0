// Package waf composes the admission pipeline: block list, login attempt
// guard, rate limiter and attack signature scanner, evaluated in that
// order for every request.
package waf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"gatewarden/waf/audit"
	"gatewarden/waf/auth"
	"gatewarden/waf/autoban"
	"gatewarden/waf/blocklist"
	"gatewarden/waf/clientkey"
	"gatewarden/waf/metrics"
	"gatewarden/waf/ratelimit"
	"gatewarden/waf/request"
	"gatewarden/waf/scanner"
)

// Config holds the pipeline-wide knobs that are not owned by a component.
type Config struct {
	LoginAttemptsPerHour    int
	SuspicionBlockThreshold int
	MaxRequestBodyBytes     int64
	ScanHeaders             []string
}

// Deps are the explicitly constructed stores the guard works on. Their
// lifetime belongs to the host application.
type Deps struct {
	Resolver   *clientkey.Resolver
	BlockList  *blocklist.List
	LoginGuard *auth.Guard
	Limiter    *ratelimit.Limiter
	Detector   scanner.Detector
	Ledger     *autoban.Ledger
	Audit      *audit.Log
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// ExtraStages run after the built-in ones.
	ExtraStages []Stage
}

// Guard evaluates requests against an ordered list of stages.
type Guard struct {
	cfg      Config
	resolver *clientkey.Resolver
	blocks   *blocklist.List
	login    *auth.Guard
	limiter  *ratelimit.Limiter
	detector scanner.Detector
	ledger   *autoban.Ledger
	audit    *audit.Log
	metrics  *metrics.Metrics
	logger   *slog.Logger
	stages   []Stage
}

// New validates deps and builds the default stage chain.
func New(cfg Config, deps Deps) (*Guard, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("waf: resolver is required")
	case deps.BlockList == nil:
		return nil, errors.New("waf: block list is required")
	case deps.LoginGuard == nil:
		return nil, errors.New("waf: login guard is required")
	case deps.Limiter == nil:
		return nil, errors.New("waf: rate limiter is required")
	case deps.Detector == nil:
		return nil, errors.New("waf: detector is required")
	case deps.Ledger == nil:
		return nil, errors.New("waf: suspicion ledger is required")
	case deps.Audit == nil:
		return nil, errors.New("waf: audit log is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.LoginAttemptsPerHour <= 0 {
		cfg.LoginAttemptsPerHour = auth.DefaultAttemptsPerHour
	}
	if cfg.SuspicionBlockThreshold <= 0 {
		cfg.SuspicionBlockThreshold = autoban.DefaultThreshold
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = request.DefaultMaxBodyBytes
	}

	g := &Guard{
		cfg:      cfg,
		resolver: deps.Resolver,
		blocks:   deps.BlockList,
		login:    deps.LoginGuard,
		limiter:  deps.Limiter,
		detector: deps.Detector,
		ledger:   deps.Ledger,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	g.stages = []Stage{
		blockListStage{list: g.blocks},
		loginStage{guard: g.login},
		rateLimitStage{limiter: g.limiter},
		scanStage{g: g},
	}
	g.stages = append(g.stages, deps.ExtraStages...)
	g.metrics.BlockListSize.Set(float64(g.blocks.Count()))
	return g, nil
}

// Stages returns the stage names in evaluation order.
func (g *Guard) Stages() []string {
	names := make([]string, len(g.stages))
	for i, s := range g.stages {
		names[i] = s.Name()
	}
	return names
}

// Evaluate runs the stages for view until one returns a non-ALLOW
// decision. It never panics: a fault inside any stage is logged, counted
// and treated as ALLOW.
func (g *Guard) Evaluate(ctx context.Context, view *request.View, policy RoutePolicy) (d Decision) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			g.internalError("admission pipeline panic", rec)
			d = Allow()
		}
		g.metrics.Decisions.WithLabelValues(policy.Name, d.Action.String(), d.Stage).Inc()
		g.metrics.Duration.WithLabelValues(policy.Name).Observe(time.Since(start).Seconds())
	}()

	policy = g.normalizePolicy(policy)
	ev := &Evaluation{View: view, Key: view.Key, Policy: policy}

	for _, stage := range g.stages {
		d = stage.Evaluate(ctx, ev)
		if !d.Allowed() {
			if ev.loginReserved {
				// the attempt never reaches the authenticator
				g.login.Release(ev.Key.String())
			}
			d.Stage = stage.Name()
			g.logDenied(ev, d)
			return d
		}
	}
	return Allow()
}

// normalizePolicy fills inherited fields and neutralizes invalid values.
func (g *Guard) normalizePolicy(p RoutePolicy) RoutePolicy {
	fix := func(field string, v int) int {
		if v < 0 {
			g.logger.Warn("invalid route policy value, using default",
				slog.String("route", p.Name), slog.String("field", field), slog.Int("value", v))
			return 0
		}
		return v
	}
	p.RequestsPerMinute = fix("requests_per_minute", p.RequestsPerMinute)
	p.RequestsPerHour = fix("requests_per_hour", p.RequestsPerHour)
	p.LoginAttemptsPerHour = fix("login_attempts_per_hour", p.LoginAttemptsPerHour)
	if p.LoginAttemptsPerHour == 0 {
		p.LoginAttemptsPerHour = g.cfg.LoginAttemptsPerHour
	}
	if p.MaxBodyBytes <= 0 {
		p.MaxBodyBytes = g.cfg.MaxRequestBodyBytes
	}
	return p
}

// RecordLogin stores the outcome of an authentication attempt for key.
func (g *Guard) RecordLogin(key clientkey.Key, outcome auth.Outcome) {
	g.login.Record(key.String(), outcome)
	g.metrics.LoginAttempts.WithLabelValues(outcome.String()).Inc()
}

// recordAttack audits a scanner hit, raises the key's suspicion score and
// blocks the address once the threshold is reached.
func (g *Guard) recordAttack(ev *Evaluation, f scanner.Finding) {
	key := ev.Key.String()
	rec := audit.Record{
		Kind:      audit.KindAttack,
		ClientKey: key,
		IP:        ev.Key.Addr,
		Method:    ev.View.Method,
		Category:  string(f.Category),
		Signature: f.Signature,
		Field:     f.Field,
		Excerpt:   f.Excerpt,
		RequestID: ev.View.RequestID,
	}
	if ev.View.URL != nil {
		rec.URL = ev.View.URL.RequestURI()
	}
	g.audit.Append(rec)
	g.metrics.Detections.WithLabelValues(string(f.Category)).Inc()
	g.metrics.AuditRecords.Set(float64(g.audit.Len()))

	score := g.ledger.Increment(key)
	g.logger.Warn("attack signature matched",
		slog.String("client", key),
		slog.String("category", string(f.Category)),
		slog.String("signature", f.Signature),
		slog.String("field", f.Field),
		slog.Int("score", score),
		slog.String("request_id", ev.View.RequestID),
	)

	if !g.ledger.ShouldBlock(key, g.cfg.SuspicionBlockThreshold) {
		return
	}
	entry, added, err := g.blocks.Add(ev.Key.Addr, blocklist.ReasonSuspicious, blocklist.Automatic)
	switch {
	case errors.Is(err, blocklist.ErrWhitelisted):
		g.logger.Debug("suspicion threshold reached for whitelisted client", slog.String("client", key))
	case err != nil:
		g.logger.Error("failed to block client", slog.String("client", key), slog.String("error", err.Error()))
	case added:
		g.afterBlock(entry, ev.View.RequestID)
		g.logger.Warn("client blocked",
			slog.String("ip", entry.IP),
			slog.String("reason", entry.Reason),
			slog.Int("score", score),
		)
	}
}

// BlockIP is the manual block operation. It records an audit entry on
// every call, including when ip was already blocked.
func (g *Guard) BlockIP(ip, reason string) (blocklist.Entry, bool, error) {
	if reason == "" {
		reason = "manual"
	}
	entry, added, err := g.blocks.Add(ip, reason, blocklist.Manual)
	if err != nil {
		return entry, false, err
	}
	if added {
		g.afterBlock(entry, "")
	} else {
		g.audit.Append(audit.Record{
			Kind:   audit.KindBlock,
			IP:     entry.IP,
			Reason: reason,
			Origin: string(blocklist.Manual),
		})
		g.metrics.AuditRecords.Set(float64(g.audit.Len()))
	}
	g.logger.Info("manual block", slog.String("ip", entry.IP), slog.String("reason", reason), slog.Bool("new", added))
	return entry, added, nil
}

// UnblockIP removes ip and clears the suspicion scores of every key that
// shares the address. It audits every call.
func (g *Guard) UnblockIP(ip string) (bool, error) {
	normalized, err := blocklist.Normalize(ip)
	if err != nil {
		return false, err
	}
	removed, err := g.blocks.Remove(normalized)
	if err != nil {
		return false, err
	}
	g.ledger.ResetWhere(func(key string) bool {
		return key == normalized || strings.HasPrefix(key, normalized+"|")
	})
	g.audit.Append(audit.Record{
		Kind:   audit.KindUnblock,
		IP:     normalized,
		Origin: string(blocklist.Manual),
	})
	if removed {
		g.metrics.Unblocks.Inc()
	}
	g.metrics.BlockListSize.Set(float64(g.blocks.Count()))
	g.metrics.AuditRecords.Set(float64(g.audit.Len()))
	g.logger.Info("manual unblock", slog.String("ip", normalized), slog.Bool("existed", removed))
	return removed, nil
}

func (g *Guard) afterBlock(entry blocklist.Entry, requestID string) {
	g.audit.Append(audit.Record{
		Kind:      audit.KindBlock,
		IP:        entry.IP,
		Reason:    entry.Reason,
		Origin:    string(entry.Origin),
		RequestID: requestID,
	})
	g.metrics.Blocks.WithLabelValues(string(entry.Origin)).Inc()
	g.metrics.BlockListSize.Set(float64(g.blocks.Count()))
	g.metrics.AuditRecords.Set(float64(g.audit.Len()))
}

func (g *Guard) logDenied(ev *Evaluation, d Decision) {
	g.logger.Debug("request denied",
		slog.String("client", ev.Key.String()),
		slog.String("route", ev.Policy.Name),
		slog.String("action", d.Action.String()),
		slog.String("reason", d.Reason),
		slog.String("stage", d.Stage),
		slog.String("request_id", ev.View.RequestID),
	)
}

func (g *Guard) internalError(msg string, rec any) {
	g.metrics.InternalErrors.Inc()
	g.logger.Error(msg,
		slog.String("panic", fmt.Sprint(rec)),
		slog.String("stack", string(debug.Stack())),
	)
}
