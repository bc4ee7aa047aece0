// Package config loads the gatewarden configuration from a YAML file,
// a .env file and GATEWARDEN_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gatewarden/waf"
	"gatewarden/waf/auth"
	"gatewarden/waf/autoban"
	"gatewarden/waf/logging"
	"gatewarden/waf/maintenance"
	"gatewarden/waf/ratelimit"
	"gatewarden/waf/request"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	BackendMemory   = "memory"
	BackendExternal = "external"
)

// Config is the full service configuration.
type Config struct {
	Listen      string `yaml:"listen" validate:"required,hostname_port"`
	AdminListen string `yaml:"admin_listen" validate:"omitempty,hostname_port"`

	RequestsPerMinute       int    `yaml:"requests_per_minute" validate:"gte=1"`
	RequestsPerHour         int    `yaml:"requests_per_hour" validate:"gte=1"`
	LoginAttemptsPerHour    int    `yaml:"login_attempts_per_hour" validate:"gte=1"`
	SuspicionBlockThreshold int    `yaml:"suspicion_block_threshold" validate:"gte=1"`
	MaxRequestBodyBytes     int64  `yaml:"max_request_body_bytes" validate:"gte=1"`
	AuditLogCapacity        int    `yaml:"audit_log_capacity" validate:"gte=1"`
	CounterStoreBackend     string `yaml:"counter_store_backend" validate:"oneof=memory external"`

	// BlockTTL bounds automatic and manual blocks. Zero is permanent.
	BlockTTL time.Duration `yaml:"block_ttl" validate:"gte=0"`

	TrustedProxies []string `yaml:"trusted_proxies" validate:"dive,cidr|ip"`
	JWTSecret      string   `yaml:"jwt_secret"`
	ScanHeaders    []string `yaml:"scan_headers"`

	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gte=0"`

	Redis     RedisConfig     `yaml:"redis"`
	BlockList BlockListConfig `yaml:"blocklist"`
	Audit     AuditConfig     `yaml:"audit"`
	Log       logging.Config  `yaml:"log"`

	Routes []Route `yaml:"routes" validate:"dive"`

	// DemoUsers are the credentials accepted by the demo login route.
	DemoUsers map[string]string `yaml:"demo_users"`
}

// RedisConfig configures the external counter backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr" validate:"omitempty,hostname_port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db" validate:"gte=0"`
	Prefix   string        `yaml:"prefix"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type BlockListConfig struct {
	Path      string   `yaml:"path"`
	Whitelist []string `yaml:"whitelist" validate:"dive,cidr|ip"`
}

type AuditConfig struct {
	// Sink is an optional JSON-lines file that outlives the ring buffer.
	Sink       logging.Rotation `yaml:"sink"`
	ArchiveDir string           `yaml:"archive_dir"`
}

// Route binds a policy to a mux pattern.
type Route struct {
	Path            string `yaml:"path" validate:"required,startswith=/"`
	waf.RoutePolicy `yaml:",inline"`
}

// DefaultConfig returns sensible defaults for most apps
func DefaultConfig() *Config {
	return &Config{
		Listen:                  ":8080",
		AdminListen:             "127.0.0.1:9090",
		RequestsPerMinute:       ratelimit.DefaultPerMinute,
		RequestsPerHour:         ratelimit.DefaultPerHour,
		LoginAttemptsPerHour:    auth.DefaultAttemptsPerHour,
		SuspicionBlockThreshold: autoban.DefaultThreshold,
		MaxRequestBodyBytes:     request.DefaultMaxBodyBytes,
		AuditLogCapacity:        10000,
		CounterStoreBackend:     BackendMemory,
		MaintenanceInterval:     maintenance.DefaultInterval,
		Redis: RedisConfig{
			Addr:    "127.0.0.1:6379",
			Prefix:  "gatewarden:rl",
			Timeout: 100 * time.Millisecond,
		},
		Log: logging.Config{Level: "info", Format: "text"},
	}
}

// StrictConfig returns more aggressive protection
func StrictConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 30
	cfg.RequestsPerHour = 500
	cfg.LoginAttemptsPerHour = 3
	cfg.SuspicionBlockThreshold = 3
	cfg.MaxRequestBodyBytes = 256 << 10
	cfg.BlockTTL = 0
	return cfg
}

// Load reads path (optional), then .env and the environment, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) && len(ve) > 0 {
			fe := ve[0]
			return fmt.Errorf("%w: %s failed %q", ErrInvalid, fe.Namespace(), describe(fe))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.CounterStoreBackend == BackendExternal && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required for the external counter store", ErrInvalid)
	}
	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if seen[r.Path] {
			return fmt.Errorf("%w: duplicate route %s", ErrInvalid, r.Path)
		}
		seen[r.Path] = true
	}
	return nil
}

func describe(fe validator.FieldError) string {
	if fe.Param() != "" {
		return fe.Tag() + "=" + fe.Param()
	}
	return fe.Tag()
}

// Limits returns the global rate limits.
func (c *Config) Limits() ratelimit.Limits {
	return ratelimit.Limits{PerMinute: c.RequestsPerMinute, PerHour: c.RequestsPerHour}
}

// GuardConfig returns the pipeline-wide settings.
func (c *Config) GuardConfig() waf.Config {
	return waf.Config{
		LoginAttemptsPerHour:    c.LoginAttemptsPerHour,
		SuspicionBlockThreshold: c.SuspicionBlockThreshold,
		MaxRequestBodyBytes:     c.MaxRequestBodyBytes,
		ScanHeaders:             c.ScanHeaders,
	}
}

// Policy returns the policy configured for path, or a policy named after
// fallback when none is.
func (c *Config) Policy(path, fallback string) waf.RoutePolicy {
	for _, r := range c.Routes {
		if r.Path == path {
			p := r.RoutePolicy
			if p.Name == "" {
				p.Name = fallback
			}
			return p
		}
	}
	return waf.RoutePolicy{Name: fallback}
}
