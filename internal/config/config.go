// Package config loads process configuration: defaults, then an optional
// YAML file, then AEGIS_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// EnvFile names the variable that points at an optional YAML file.
const EnvFile = "AEGIS_CONFIG"

type Config struct {
	Service string         `yaml:"service"`
	HTTP    HTTPConfig     `yaml:"http"`
	GRPC    GRPCConfig     `yaml:"grpc"`
	Auth    AuthConfig     `yaml:"auth"`
	Lockout LockoutConfig  `yaml:"lockout"`
	Audit   AuditConfig    `yaml:"audit"`
	Storage StorageConfig  `yaml:"storage"`
	Logging LoggingConfig  `yaml:"logging"`
	Limits  RateConfig     `yaml:"rate_limit"`
	Admin   BootstrapAdmin `yaml:"bootstrap_admin"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

type AuthConfig struct {
	Secret      string        `yaml:"secret"`
	Issuer      string        `yaml:"issuer"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	BcryptCost  int           `yaml:"bcrypt_cost"`
	DefaultRole string        `yaml:"default_role"`
}

type LockoutConfig struct {
	Threshold int           `yaml:"threshold"`
	Duration  time.Duration `yaml:"duration"`
}

type AuditConfig struct {
	QueueSize       int           `yaml:"queue_size"`
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateConfig bounds login and registration attempts per client address.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type BootstrapAdmin struct {
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
}

// Default returns the built-in configuration. It does not validate: the
// signing secret has no default.
func Default() *Config {
	return &Config{
		Service: "aegis-api",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Auth: AuthConfig{
			Issuer:      "aegis",
			TokenTTL:    7 * 24 * time.Hour,
			BcryptCost:  bcrypt.DefaultCost,
			DefaultRole: "user",
		},
		Lockout: LockoutConfig{Threshold: 5, Duration: 2 * time.Hour},
		Audit: AuditConfig{
			QueueSize:       1024,
			Retention:       90 * 24 * time.Hour,
			JanitorInterval: time.Hour,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Limits:  RateConfig{PerSecond: 5, Burst: 10},
	}
}

// Load builds the configuration from defaults, the file at path (skipped
// when empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv loads using the file named by AEGIS_CONFIG, if any.
func FromEnv() (*Config, error) {
	return Load(strings.TrimSpace(os.Getenv(EnvFile)))
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("AEGIS_SERVICE", &cfg.Service)
	str("AEGIS_HTTP_ADDR", &cfg.HTTP.Addr)
	str("AEGIS_GRPC_ADDR", &cfg.GRPC.Addr)
	str("AEGIS_AUTH_SECRET", &cfg.Auth.Secret)
	str("AEGIS_ISSUER", &cfg.Auth.Issuer)
	duration("AEGIS_TOKEN_TTL", &cfg.Auth.TokenTTL)
	integer("AEGIS_BCRYPT_COST", &cfg.Auth.BcryptCost)
	str("AEGIS_DEFAULT_ROLE", &cfg.Auth.DefaultRole)
	integer("AEGIS_LOCKOUT_THRESHOLD", &cfg.Lockout.Threshold)
	duration("AEGIS_LOCKOUT_DURATION", &cfg.Lockout.Duration)
	integer("AEGIS_AUDIT_QUEUE", &cfg.Audit.QueueSize)
	duration("AEGIS_AUDIT_RETENTION", &cfg.Audit.Retention)
	duration("AEGIS_JANITOR_INTERVAL", &cfg.Audit.JanitorInterval)
	str("AEGIS_PG_DSN", &cfg.Storage.PostgresDSN)
	str("AEGIS_REDIS_ADDR", &cfg.Storage.RedisAddr)
	str("AEGIS_REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	integer("AEGIS_REDIS_DB", &cfg.Storage.RedisDB)
	str("AEGIS_SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("AEGIS_LOG_LEVEL", &cfg.Logging.Level)
	str("AEGIS_LOG_FORMAT", &cfg.Logging.Format)
	integer("AEGIS_RATE_BURST", &cfg.Limits.Burst)
	if v, ok := lookup("AEGIS_RATE_PER_SEC"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("AEGIS_RATE_PER_SEC: %v", err))
		} else {
			cfg.Limits.PerSecond = f
		}
	}
	if v, ok := lookup("AEGIS_CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.HTTP.CORSOrigins = splitList(v)
	}
	str("AEGIS_BOOTSTRAP_NAME", &cfg.Admin.Name)
	str("AEGIS_BOOTSTRAP_EMAIL", &cfg.Admin.Email)
	str("AEGIS_BOOTSTRAP_PASSWORD", &cfg.Admin.Password)

	if len(errs) > 0 {
		return fmt.Errorf("environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	if c.Auth.Secret == "" {
		errs = append(errs, "auth.secret is required (set AEGIS_AUTH_SECRET)")
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Sprintf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.Lockout.Threshold < 1 {
		errs = append(errs, "lockout.threshold must be at least 1")
	}
	if c.Lockout.Duration <= 0 {
		errs = append(errs, "lockout.duration must be positive")
	}
	if c.Audit.QueueSize < 1 {
		errs = append(errs, "audit.queue_size must be at least 1")
	}
	if c.Audit.Retention <= 0 {
		errs = append(errs, "audit.retention must be positive")
	}
	if c.Audit.JanitorInterval <= 0 {
		errs = append(errs, "audit.janitor_interval must be positive")
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, "http.addr is required")
	}
	if c.Limits.PerSecond <= 0 || c.Limits.Burst < 1 {
		errs = append(errs, "rate_limit.per_second and rate_limit.burst must be positive")
	}
	if c.Admin.Email != "" && c.Admin.Password == "" {
		errs = append(errs, "bootstrap_admin.password is required when bootstrap_admin.email is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ParseDuration accepts time.ParseDuration syntax plus a whole-day "d" suffix.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
