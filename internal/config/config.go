package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// Audit journal backends.
const (
	AuditMemory   = "memory"
	AuditRedis    = "redis"
	AuditPostgres = "postgres"
)

type Config struct {
	FortiGateHost      string
	FortiGateToken     string
	FortiGateVerifyTLS bool
	FortiGateTimeout   time.Duration
	AddressGroup       string
	LeaseDuration      time.Duration
	LeaseNamePrefix    string
	ServerHost         string
	ServerPort         int
	Timezone           string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
	APIKey             string
	RateLimitPerMinute int
	TrustForwardedFor  bool
	StaticDir          string
	AuditBackend       string
	AuditRetain        int
	RedisAddr          string
	PostgresDSN        string
	LogLevel           string
	LogFormat          string
}

func Load() Config {
	return Config{
		FortiGateHost:      envOrDefault("FORTIGATE_IP", "127.0.0.1"),
		FortiGateToken:     os.Getenv("FORTIGATE_API_TOKEN"),
		FortiGateVerifyTLS: boolOrDefault("FORTIGATE_VERIFY_TLS", false),
		FortiGateTimeout:   durationOrDefault("FORTIGATE_REQUEST_TIMEOUT", 15*time.Second),
		AddressGroup:       envOrDefault("ADDRESS_GROUP_NAME", "Proxied Devices"),
		LeaseDuration:      secondsOrDuration("TIMER_DURATION", 2*time.Hour),
		LeaseNamePrefix:    envOrDefault("LEASE_NAME_PREFIX", "PROXY_"),
		ServerHost:         envOrDefault("SERVER_HOST", "0.0.0.0"),
		ServerPort:         intOrDefault("SERVER_PORT", 8000),
		Timezone:           envOrDefault("TIMEZONE", "UTC"),
		ReadTimeout:        durationOrDefault("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       durationOrDefault("HTTP_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:        durationOrDefault("HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    durationOrDefault("SHUTDOWN_TIMEOUT", 30*time.Second),
		APIKey:             os.Getenv("API_KEY"),
		RateLimitPerMinute: intOrDefault("RATE_LIMIT_PER_MINUTE", 60),
		TrustForwardedFor:  boolOrDefault("TRUST_FORWARDED_FOR", false),
		StaticDir:          os.Getenv("STATIC_DIR"),
		AuditBackend:       strings.ToLower(envOrDefault("AUDIT_BACKEND", AuditMemory)),
		AuditRetain:        intOrDefault("AUDIT_RETAIN", 1000),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "json"),
	}
}

// BindFlags registers command-line overrides for cfg. Flag defaults are the
// values already in cfg, so flags win over the environment.
func BindFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.FortiGateHost, "fortigate-host", cfg.FortiGateHost, "FortiGate management address")
	fs.BoolVar(&cfg.FortiGateVerifyTLS, "fortigate-verify-tls", cfg.FortiGateVerifyTLS, "verify the FortiGate TLS certificate")
	fs.DurationVar(&cfg.FortiGateTimeout, "fortigate-timeout", cfg.FortiGateTimeout, "timeout for a single FortiGate API call")
	fs.StringVar(&cfg.AddressGroup, "address-group", cfg.AddressGroup, "address group that grants proxy access")
	fs.DurationVar(&cfg.LeaseDuration, "lease-duration", cfg.LeaseDuration, "how long a lease lasts without renewal")
	fs.StringVar(&cfg.LeaseNamePrefix, "lease-prefix", cfg.LeaseNamePrefix, "name prefix of address objects owned by this service")
	fs.StringVar(&cfg.ServerHost, "host", cfg.ServerHost, "HTTP listen host")
	fs.IntVar(&cfg.ServerPort, "port", cfg.ServerPort, "HTTP listen port")
	fs.StringVar(&cfg.Timezone, "timezone", cfg.Timezone, "IANA time zone used to report expiry times")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "grace period for draining on shutdown")
	fs.IntVar(&cfg.RateLimitPerMinute, "rate-limit", cfg.RateLimitPerMinute, "connect/disconnect requests per client per minute, 0 disables")
	fs.BoolVar(&cfg.TrustForwardedFor, "trust-forwarded-for", cfg.TrustForwardedFor, "take the client address from X-Forwarded-For")
	fs.StringVar(&cfg.StaticDir, "static-dir", cfg.StaticDir, "directory holding index.html")
	fs.StringVar(&cfg.AuditBackend, "audit-backend", cfg.AuditBackend, "lease event journal: memory, redis or postgres")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or console")
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FortiGateHost) == "" {
		errs = append(errs, errors.New("fortigate host is required"))
	}
	if strings.TrimSpace(c.AddressGroup) == "" {
		errs = append(errs, errors.New("address group name is required"))
	}
	if c.LeaseDuration <= 0 {
		errs = append(errs, fmt.Errorf("lease duration must be positive, got %s", c.LeaseDuration))
	}
	if strings.TrimSpace(c.LeaseNamePrefix) == "" {
		errs = append(errs, errors.New("lease name prefix is required"))
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.ServerPort))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("rate limit must not be negative"))
	}
	switch c.AuditBackend {
	case AuditMemory:
	case AuditRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis audit backend"))
		}
	case AuditPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres audit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit backend %q", c.AuditBackend))
	}
	return errors.Join(errs...)
}

func (c Config) HTTPAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// secondsOrDuration accepts a bare integer number of seconds or a Go duration.
func secondsOrDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return durationOrDefault(key, fallback)
}

func intOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
