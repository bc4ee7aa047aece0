package waf

import (
	"net/http"

	"gatewarden/waf/auth"
	"gatewarden/waf/clientkey"
	"gatewarden/waf/request"
	"gatewarden/waf/requestid"
)

// ResolveKey returns the client key the guard uses for r.
func (g *Guard) ResolveKey(r *http.Request) clientkey.Key {
	return g.resolver.Resolve(r)
}

// Check snapshots r and evaluates it. The returned view is nil only when
// building it failed, in which case the decision is ALLOW.
func (g *Guard) Check(r *http.Request, policy RoutePolicy) (d Decision, view *request.View) {
	defer func() {
		if rec := recover(); rec != nil {
			g.internalError("request snapshot panic", rec)
			d, view = Allow(), nil
		}
	}()

	limit := policy.MaxBodyBytes
	if limit <= 0 {
		limit = g.cfg.MaxRequestBodyBytes
	}
	view = request.FromHTTP(r, g.resolver.Resolve(r), request.Options{
		MaxBodyBytes: limit,
		ScanHeaders:  g.cfg.ScanHeaders,
		RequestID:    requestID(r),
	})
	return g.Evaluate(r.Context(), view, policy), view
}

// Protect returns middleware that gates next with policy. Non-ALLOW
// decisions are written as JSON errors. On login-protected routes the
// attempt outcome is recorded after next returns: 2xx is a success,
// anything else a failure.
func (g *Guard) Protect(policy RoutePolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, view := g.Check(r, policy)
			if !d.Allowed() {
				WriteDecision(w, d, requestID(r))
				return
			}

			if !policy.LoginProtected || policy.ManualLoginOutcome || view == nil {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				outcome := auth.Failure
				if s := rec.Status(); s >= 200 && s < 300 {
					outcome = auth.Success
				}
				g.RecordLogin(view.Key, outcome)
			}()
			next.ServeHTTP(rec, r)
		})
	}
}

// ProtectFunc wraps a handler function.
func (g *Guard) ProtectFunc(policy RoutePolicy, next http.HandlerFunc) http.HandlerFunc {
	return g.Protect(policy)(next).ServeHTTP
}

func requestID(r *http.Request) string {
	if id := requestid.FromRequest(r); id != "" {
		return id
	}
	return r.Header.Get(requestid.RequestIDHeader)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Status returns the written status; a handler that panicked before
// writing counts as 500.
func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusInternalServerError
	}
	return s.status
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
