package waf

import (
	"context"

	"gatewarden/waf/auth"
	"gatewarden/waf/blocklist"
	"gatewarden/waf/clientkey"
	"gatewarden/waf/counter"
	"gatewarden/waf/ratelimit"
	"gatewarden/waf/request"
)

// Evaluation is the per-request state handed to each stage.
type Evaluation struct {
	View   *request.View
	Key    clientkey.Key
	Policy RoutePolicy

	// set when the login stage reserved an attempt for Key
	loginReserved bool
}

// Stage is one step of the admission pipeline. Returning a non-ALLOW
// decision stops evaluation.
type Stage interface {
	Name() string
	Evaluate(ctx context.Context, ev *Evaluation) Decision
}

type blockListStage struct {
	list *blocklist.List
}

func (blockListStage) Name() string { return "blocklist" }

func (s blockListStage) Evaluate(_ context.Context, ev *Evaluation) Decision {
	if entry, ok := s.list.Contains(ev.Key.Addr); ok {
		return Blocked(entry.Reason)
	}
	return Allow()
}

type loginStage struct {
	guard *auth.Guard
}

func (loginStage) Name() string { return "login" }

func (s loginStage) Evaluate(_ context.Context, ev *Evaluation) Decision {
	if !ev.Policy.LoginProtected {
		return Allow()
	}
	if ok, retry := s.guard.Reserve(ev.Key.String(), ev.Policy.LoginAttemptsPerHour); !ok {
		return Throttle(retry, ReasonLoginAttempts)
	}
	ev.loginReserved = true
	return Allow()
}

type rateLimitStage struct {
	limiter *ratelimit.Limiter
}

func (rateLimitStage) Name() string { return "ratelimit" }

func (s rateLimitStage) Evaluate(ctx context.Context, ev *Evaluation) Decision {
	key := ev.Key.String()
	if ev.Policy.Name != "" {
		key = ev.Policy.Name + "/" + key
	}
	v := s.limiter.Check(ctx, key, ratelimit.Limits{
		PerMinute: ev.Policy.RequestsPerMinute,
		PerHour:   ev.Policy.RequestsPerHour,
	})
	if v.Allowed {
		return Allow()
	}
	reason := ReasonRateLimitMinute
	if v.Scope == counter.Hour {
		reason = ReasonRateLimitHour
	}
	return Throttle(v.RetryAfter, reason)
}

// scanStage rejects malformed or oversized payloads, then runs the
// signature detector and feeds hits to the suspicion ledger.
type scanStage struct {
	g *Guard
}

func (scanStage) Name() string { return "scanner" }

func (s scanStage) Evaluate(_ context.Context, ev *Evaluation) Decision {
	v := ev.View
	switch {
	case v.Oversized:
		return Rejected(ReasonBodyTooLarge)
	case v.Malformed != "":
		return Rejected(ReasonMalformedRequest)
	case v.MalformedJSON:
		return Rejected(ReasonMalformedJSON)
	}
	if ev.Policy.SkipScan {
		return Allow()
	}
	finding, hit := s.g.detector.Scan(v)
	if !hit {
		return Allow()
	}
	s.g.recordAttack(ev, finding)
	return Rejected(ReasonAttackPrefix + string(finding.Category))
}
