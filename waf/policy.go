package waf

// RoutePolicy tunes the pipeline for one protected route. Zero fields
// inherit the guard's configuration.
type RoutePolicy struct {
	// Name scopes rate limit counters. Routes sharing a name share
	// counters; the empty name is the global bucket.
	Name string `yaml:"name" json:"name"`

	RequestsPerMinute int `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour" json:"requests_per_hour"`

	// LoginProtected enables the login attempt guard.
	LoginProtected       bool `yaml:"login_protected" json:"login_protected"`
	LoginAttemptsPerHour int  `yaml:"login_attempts_per_hour" json:"login_attempts_per_hour"`

	// ManualLoginOutcome stops Protect from deriving the attempt outcome
	// from the response status; the handler calls RecordLogin itself.
	ManualLoginOutcome bool `yaml:"manual_login_outcome" json:"manual_login_outcome"`

	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`
	SkipScan     bool  `yaml:"skip_scan" json:"skip_scan"`
}
