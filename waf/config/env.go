package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GATEWARDEN_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type envBinding struct {
	name  string
	apply func(v string) error
}

// ApplyEnv overrides cfg from GATEWARDEN_* variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	bindings := []envBinding{
		{"LISTEN", setString(&cfg.Listen)},
		{"ADMIN_LISTEN", setString(&cfg.AdminListen)},
		{"REQUESTS_PER_MINUTE", setInt(&cfg.RequestsPerMinute)},
		{"REQUESTS_PER_HOUR", setInt(&cfg.RequestsPerHour)},
		{"LOGIN_ATTEMPTS_PER_HOUR", setInt(&cfg.LoginAttemptsPerHour)},
		{"SUSPICION_BLOCK_THRESHOLD", setInt(&cfg.SuspicionBlockThreshold)},
		{"MAX_REQUEST_BODY_BYTES", setInt64(&cfg.MaxRequestBodyBytes)},
		{"AUDIT_LOG_CAPACITY", setInt(&cfg.AuditLogCapacity)},
		{"COUNTER_STORE_BACKEND", setString(&cfg.CounterStoreBackend)},
		{"BLOCK_TTL", setDuration(&cfg.BlockTTL)},
		{"TRUSTED_PROXIES", setList(&cfg.TrustedProxies)},
		{"JWT_SECRET", setString(&cfg.JWTSecret)},
		{"SCAN_HEADERS", setList(&cfg.ScanHeaders)},
		{"MAINTENANCE_INTERVAL", setDuration(&cfg.MaintenanceInterval)},
		{"REDIS_ADDR", setString(&cfg.Redis.Addr)},
		{"REDIS_PASSWORD", setString(&cfg.Redis.Password)},
		{"REDIS_DB", setInt(&cfg.Redis.DB)},
		{"REDIS_PREFIX", setString(&cfg.Redis.Prefix)},
		{"REDIS_TIMEOUT", setDuration(&cfg.Redis.Timeout)},
		{"BLOCKLIST_PATH", setString(&cfg.BlockList.Path)},
		{"BLOCKLIST_WHITELIST", setList(&cfg.BlockList.Whitelist)},
		{"AUDIT_SINK", setString(&cfg.Audit.Sink.Filename)},
		{"AUDIT_ARCHIVE_DIR", setString(&cfg.Audit.ArchiveDir)},
		{"LOG_LEVEL", setString(&cfg.Log.Level)},
		{"LOG_FORMAT", setString(&cfg.Log.Format)},
		{"LOG_FILE", setString(&cfg.Log.Filename)},
	}

	for _, b := range bindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %v", ErrInvalid, EnvPrefix, b.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setInt64(dst *int64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// setList splits on commas; an empty value clears the list.
func setList(dst *[]string) func(string) error {
	return func(v string) error {
		*dst = nil
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*dst = append(*dst, part)
			}
		}
		return nil
	}
}
