package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Discovery.Mode != "consul" {
		t.Errorf("expected default discovery mode consul, got %s", cfg.Discovery.Mode)
	}
	if cfg.Discovery.CacheTTL.Seconds() != 300 {
		t.Errorf("expected default SERVICE_CACHE_TTL=300s, got %v", cfg.Discovery.CacheTTL)
	}
	if cfg.Discovery.RefreshCooldown.Seconds() != 30 {
		t.Errorf("expected default refresh cooldown 30s, got %v", cfg.Discovery.RefreshCooldown)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("expected default cache mode memory, got %s", cfg.Cache.Mode)
	}
	if cfg.Database.Mode != "postgres" {
		t.Errorf("expected default store mode postgres, got %s", cfg.Database.Mode)
	}
	if cfg.CORS.Origin != "http://localhost:3000" {
		t.Errorf("expected default CORS origin, got %s", cfg.CORS.Origin)
	}
}

func TestLoad_ConsulHostDependsOnContainerEnv(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.ConsulHost != "localhost" {
		t.Errorf("outside a container the consul host should default to localhost, got %s", cfg.Discovery.ConsulHost)
	}

	t.Setenv("CONTAINER_ENV", "1")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.ConsulHost != "consul" {
		t.Errorf("in a container the consul host should default to consul, got %s", cfg.Discovery.ConsulHost)
	}

	t.Setenv("CONSUL_HOST", "consul.internal")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discovery.ConsulHost != "consul.internal" {
		t.Errorf("an explicit CONSUL_HOST should win, got %s", cfg.Discovery.ConsulHost)
	}
}

func TestLoad_CircuitPolicyDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	core := cfg.CircuitBreaker["core"]
	if core.FailureThreshold != 5 || core.BaseTimeout.Seconds() != 15 || core.SuccessThreshold != 2 {
		t.Errorf("unexpected core policy: %+v", core)
	}
	image := cfg.CircuitBreaker["image"]
	if image.FailureThreshold != 8 || image.BackoffFactor != 1.5 {
		t.Errorf("unexpected image policy: %+v", image)
	}
	if _, ok := cfg.CircuitBreaker["default"]; !ok {
		t.Error("expected a default policy row")
	}
}

func TestLoad_AdmissionDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Admission["image"] != 5 || cfg.Admission["video"] != 3 || cfg.Admission["core"] != 100 || cfg.Admission["default"] != 20 {
		t.Errorf("unexpected admission limits: %+v", cfg.Admission)
	}
}

func TestServiceURLOverridesFromEnv(t *testing.T) {
	t.Setenv("PAYMENTS_SERVICE_URL", "http://p:9000")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServiceURLOverrides["payments"] != "http://p:9000" {
		t.Errorf("expected payments override, got %+v", cfg.ServiceURLOverrides)
	}
}

func TestLoad_MemoryStoreModeSkipsDBValidation(t *testing.T) {
	t.Setenv("STORE_MODE", "memory")
	t.Setenv("DB_HOST", "")
	if _, err := Load(); err != nil {
		t.Errorf("STORE_MODE=memory should not require DB settings, got %v", err)
	}
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"cache mode", "CACHE_MODE", "bogus"},
		{"log level", "LOG_LEVEL", "verbose"},
		{"discovery mode", "DISCOVERY_MODE", "etcd"},
		{"store mode", "STORE_MODE", "sqlite"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv(c.key, c.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", c.key, c.value)
			}
		})
	}
}

func TestLoad_RedisModeRequiresURL(t *testing.T) {
	t.Setenv("CACHE_MODE", "redis")
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Error("expected error when CACHE_MODE=redis without REDIS_URL")
	}
}
