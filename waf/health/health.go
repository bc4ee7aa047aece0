package health

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"
)

var startTime = time.Now()

// HealthStatus represents the current health status of the service
type HealthStatus struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Timestamp     string         `json:"timestamp"`
	Checks        []CheckResult  `json:"checks,omitempty"`
	Info          map[string]any `json:"info,omitempty"`
	System        SystemInfo     `json:"system"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Millis int64  `json:"latency_ms"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"goroutines"`
	MemoryMB     uint64 `json:"memory_mb"`
	NumCPU       int    `json:"num_cpu"`
}

// CheckFunc checks a dependency.
type CheckFunc func(ctx context.Context) error

type options struct {
	checks  map[string]CheckFunc
	info    func() map[string]any
	timeout time.Duration
}

type Option func(*options)

// WithCheck adds a dependency check. A failing check marks the service
// degraded, not down: the guard keeps admitting traffic without it.
func WithCheck(name string, fn CheckFunc) Option {
	return func(o *options) { o.checks[name] = fn }
}

// WithInfo adds free-form details to the report.
func WithInfo(fn func() map[string]any) Option {
	return func(o *options) { o.info = fn }
}

// WithTimeout bounds each check. Default 1s.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Handler returns the health check HTTP handler
func Handler(version string, opts ...Option) http.HandlerFunc {
	o := options{checks: make(map[string]CheckFunc), timeout: time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	names := make([]string, 0, len(o.checks))
	for name := range o.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		uptime := time.Since(startTime)

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		status := HealthStatus{
			Status:        "healthy",
			Version:       version,
			Uptime:        formatUptime(uptime),
			UptimeSeconds: int64(uptime.Seconds()),
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			System: SystemInfo{
				GoVersion:    runtime.Version(),
				NumGoroutine: runtime.NumGoroutine(),
				MemoryMB:     m.Alloc / 1024 / 1024,
				NumCPU:       runtime.NumCPU(),
			},
		}

		for _, name := range names {
			res := run(r.Context(), name, o.checks[name], o.timeout)
			if !res.OK {
				status.Status = "degraded"
			}
			status.Checks = append(status.Checks, res)
		}
		if o.info != nil {
			status.Info = o.info()
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}

func run(ctx context.Context, name string, fn CheckFunc, timeout time.Duration) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	res := CheckResult{Name: name, OK: err == nil, Millis: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return formatTime(days, "day") + " " + formatTime(hours, "hour")
	}
	if hours > 0 {
		return formatTime(hours, "hour") + " " + formatTime(minutes, "minute")
	}
	if minutes > 0 {
		return formatTime(minutes, "minute") + " " + formatTime(seconds, "second")
	}
	return formatTime(seconds, "second")
}

func formatTime(value int, unit string) string {
	if value == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(value) + " " + unit + "s"
}
