// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example SERVICE_CACHE_TTL becomes
// service_cache_ttl in YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// ContainerEnv selects in-container defaults (e.g. Consul host resolution)
	// when set to "1". Mirrors the source's CONTAINER_ENV switch.
	ContainerEnv bool

	Discovery      DiscoveryConfig
	Database       DatabaseConfig
	Cache          CacheConfig
	CORS           CORSConfig
	CircuitBreaker map[string]CircuitPolicy
	Admission      map[string]int
	HealthMonitor  HealthMonitorConfig

	// ServiceURLOverrides holds the {NAME_UPPER}_SERVICE_URL env fallbacks,
	// keyed by lowercase service name.
	ServiceURLOverrides map[string]string
}

// DiscoveryConfig holds the Consul catalog poller configuration.
type DiscoveryConfig struct {
	// Mode selects the discovery source:
	//   "consul" — poll the Consul catalog HTTP API. Default.
	//   "static" — no discovery backend; routing relies entirely on the
	//              {NAME_UPPER}_SERVICE_URL env fallbacks.
	Mode string
	// ConsulHost is the Consul agent host. Default: "consul" in containers
	// (CONTAINER_ENV=1), "localhost" otherwise.
	ConsulHost string
	// ConsulPort is the Consul agent HTTP API port. Default: 8500.
	ConsulPort int
	// CacheTTL is how often the registry refreshes from discovery.
	// Default: 300s.
	CacheTTL time.Duration
	// RefreshCooldown is how long the registry backs off after a failed
	// refresh before polling discovery again. Default: 30s.
	RefreshCooldown time.Duration
}

// DatabaseConfig holds Postgres connection settings for the health store.
type DatabaseConfig struct {
	// Mode selects the health-store backend:
	//   "postgres" — the production store, migrated at startup. Default.
	//   "memory"   — in-process store for local development; nothing survives
	//                a restart.
	Mode     string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// DSN builds a libpq-style connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// CacheConfig controls the optional Redis-backed discovery refresh cooldown.
type CacheConfig struct {
	// Mode selects the cooldown backend:
	//   "redis"  — Redis-backed cooldown (requires REDIS_URL).
	//   "memory" — In-process cooldown. No external deps. Default.
	Mode string
	// URL is a redis:// URL, required when Mode == "redis".
	URL string
}

// CORSConfig controls the CORS headers the gateway adds to every response.
type CORSConfig struct {
	// Origin is the allowed origin. Default: "http://localhost:3000".
	Origin string
	// MaxAge is the preflight cache duration. Default: 1800s.
	MaxAge time.Duration
}

// CircuitPolicy is the per-service circuit breaker policy.
type CircuitPolicy struct {
	FailureThreshold     int
	BaseTimeout          time.Duration
	SuccessThreshold     int
	RequestTimeout       time.Duration
	BackoffFactor        float64
	Count4xxAsFailure    bool
	CountUpstream5xxFail bool
}

// HealthMonitorConfig controls the active health-probe loop.
type HealthMonitorConfig struct {
	InitialDelay        time.Duration
	AcceleratedPeriod   time.Duration
	AcceleratedInterval time.Duration
	NormalInterval      time.Duration
	InterProbePause     time.Duration
	ProbeDeadline       time.Duration
}

// defaultCircuitPolicies is the built-in per-service breaker tuning. The
// heavyweight media services tolerate more failures and back off harder;
// core trips fast and recovers fast.
func defaultCircuitPolicies() map[string]CircuitPolicy {
	return map[string]CircuitPolicy{
		"image": {
			FailureThreshold: 8, BaseTimeout: 45 * time.Second, SuccessThreshold: 3,
			RequestTimeout: 60 * time.Second, BackoffFactor: 1.5, CountUpstream5xxFail: true,
		},
		"video": {
			FailureThreshold: 8, BaseTimeout: 45 * time.Second, SuccessThreshold: 3,
			RequestTimeout: 60 * time.Second, BackoffFactor: 1.5, CountUpstream5xxFail: true,
		},
		"core": {
			FailureThreshold: 5, BaseTimeout: 15 * time.Second, SuccessThreshold: 2,
			RequestTimeout: 25 * time.Second, BackoffFactor: 1.2, CountUpstream5xxFail: true,
		},
		"default": {
			FailureThreshold: 5, BaseTimeout: 30 * time.Second, SuccessThreshold: 2,
			RequestTimeout: 20 * time.Second, BackoffFactor: 1.0, CountUpstream5xxFail: true,
		},
	}
}

// defaultAdmissionLimits is the built-in per-service concurrency table.
func defaultAdmissionLimits() map[string]int {
	return map[string]int{
		"image":   5,
		"video":   3,
		"core":    100,
		"default": 20,
	}
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CONTAINER_ENV", "")

	v.SetDefault("DISCOVERY_MODE", "consul")
	v.SetDefault("CONSUL_PORT", 8500)
	v.SetDefault("SERVICE_CACHE_TTL", "300s")
	v.SetDefault("DISCOVERY_REFRESH_COOLDOWN", "30s")

	v.SetDefault("STORE_MODE", "postgres")
	v.SetDefault("DB_HOST", "gateway_db")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "gateway")
	v.SetDefault("DB_USER", "user")
	v.SetDefault("DB_PASSWORD", "password")

	v.SetDefault("CACHE_MODE", "memory")

	v.SetDefault("CORS_ORIGIN", "http://localhost:3000")
	v.SetDefault("CORS_MAX_AGE", "1800s")

	v.SetDefault("HEALTH_INITIAL_DELAY_SECONDS", "60s")
	v.SetDefault("HEALTH_CHECK_INTERVAL_SECONDS", "3600s")

	cfg := &Config{
		Port:         v.GetInt("PORT"),
		LogLevel:     strings.ToLower(v.GetString("LOG_LEVEL")),
		ContainerEnv: v.GetString("CONTAINER_ENV") == "1",

		Discovery: DiscoveryConfig{
			Mode:            strings.ToLower(v.GetString("DISCOVERY_MODE")),
			ConsulHost:      v.GetString("CONSUL_HOST"),
			ConsulPort:      v.GetInt("CONSUL_PORT"),
			CacheTTL:        v.GetDuration("SERVICE_CACHE_TTL"),
			RefreshCooldown: v.GetDuration("DISCOVERY_REFRESH_COOLDOWN"),
		},

		Database: DatabaseConfig{
			Mode:     strings.ToLower(v.GetString("STORE_MODE")),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			Name:     v.GetString("DB_NAME"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
		},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			URL:  v.GetString("REDIS_URL"),
		},

		CORS: CORSConfig{
			Origin: v.GetString("CORS_ORIGIN"),
			MaxAge: v.GetDuration("CORS_MAX_AGE"),
		},

		CircuitBreaker: defaultCircuitPolicies(),
		Admission:      defaultAdmissionLimits(),

		HealthMonitor: HealthMonitorConfig{
			InitialDelay:        v.GetDuration("HEALTH_INITIAL_DELAY_SECONDS"),
			AcceleratedPeriod:   300 * time.Second,
			AcceleratedInterval: 30 * time.Second,
			NormalInterval:      v.GetDuration("HEALTH_CHECK_INTERVAL_SECONDS"),
			InterProbePause:     500 * time.Millisecond,
			ProbeDeadline:       10 * time.Second,
		},

		ServiceURLOverrides: serviceURLOverridesFromEnv(),
	}

	// CONTAINER_ENV selects the in-container Consul default; outside a
	// container the agent is assumed to run on the host.
	if cfg.Discovery.ConsulHost == "" {
		if cfg.ContainerEnv {
			cfg.Discovery.ConsulHost = "consul"
		} else {
			cfg.Discovery.ConsulHost = "localhost"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// serviceURLOverridesFromEnv scans the process environment for variables
// matching {NAME_UPPER}_SERVICE_URL and returns them keyed by lowercase
// service name, e.g. PAYMENTS_SERVICE_URL=... → {"payments": "..."}.
func serviceURLOverridesFromEnv() map[string]string {
	const suffix = "_SERVICE_URL"
	overrides := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasSuffix(name, suffix) {
			continue
		}
		service := strings.ToLower(strings.TrimSuffix(name, suffix))
		if service == "" || value == "" {
			continue
		}
		overrides[service] = value
	}
	return overrides
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Cache.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; set CACHE_MODE=memory to disable")
	}

	switch c.Discovery.Mode {
	case "consul", "static":
	default:
		return fmt.Errorf("config: invalid DISCOVERY_MODE %q; must be one of: consul, static", c.Discovery.Mode)
	}
	if c.Discovery.CacheTTL <= 0 {
		return fmt.Errorf("config: SERVICE_CACHE_TTL must be a positive duration")
	}
	if c.Discovery.ConsulPort <= 0 {
		return fmt.Errorf("config: CONSUL_PORT must be positive, got %d", c.Discovery.ConsulPort)
	}

	switch c.Database.Mode {
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
			return fmt.Errorf("config: DB_HOST, DB_NAME and DB_USER are required when STORE_MODE=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: postgres, memory", c.Database.Mode)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
