package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Test server defaults
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected HTTPPort 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("expected ReadTimeout 30s, got %v", cfg.Server.ReadTimeout)
	}

	// Test queue defaults
	if cfg.Queue.Size != 100000 {
		t.Errorf("expected Queue.Size 100000, got %d", cfg.Queue.Size)
	}
	if cfg.Queue.OverflowPolicy != "reject" {
		t.Errorf("expected Queue.OverflowPolicy 'reject', got %s", cfg.Queue.OverflowPolicy)
	}

	// Test ingest defaults
	if cfg.Ingest.MaxBatchSize != 1000 {
		t.Errorf("expected MaxBatchSize 1000, got %d", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Ingest.MaxPayloadSize != 10*1024*1024 {
		t.Errorf("expected MaxPayloadSize 10MB, got %d", cfg.Ingest.MaxPayloadSize)
	}

	// Test scheduler defaults
	if cfg.Scheduler.PollInterval != time.Second {
		t.Errorf("expected scheduler PollInterval 1s, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.Redis.Enabled {
		t.Error("expected Redis timer store to be disabled by default")
	}
	if cfg.Scheduler.Redis.KeyPrefix != "opsrelay:timers" {
		t.Errorf("expected KeyPrefix 'opsrelay:timers', got %s", cfg.Scheduler.Redis.KeyPrefix)
	}

	// Test dispatch defaults
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("expected MaxAttempts 3, got %d", cfg.Dispatch.MaxAttempts)
	}
	if cfg.Dispatch.BackoffFactor != 2.0 {
		t.Errorf("expected BackoffFactor 2.0, got %f", cfg.Dispatch.BackoffFactor)
	}

	// Test kafka defaults
	if cfg.Kafka.Enabled {
		t.Error("expected Kafka to be disabled by default")
	}
	if cfg.Kafka.AlertsTopic != "opsrelay.alerts" {
		t.Errorf("expected AlertsTopic 'opsrelay.alerts', got %s", cfg.Kafka.AlertsTopic)
	}

	// Test rate limit defaults
	if !cfg.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled to be true")
	}
	if cfg.RateLimit.RequestsPerIP != 1000 {
		t.Errorf("expected RequestsPerIP 1000, got %d", cfg.RateLimit.RequestsPerIP)
	}

	// Test audit defaults
	if cfg.Audit.Enabled {
		t.Error("expected Audit.Enabled to be false by default")
	}
	if cfg.Audit.ClickHouse.Database != "opsrelay" {
		t.Errorf("expected database 'opsrelay', got %s", cfg.Audit.ClickHouse.Database)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	if err != nil {
		t.Errorf("DefaultConfig should be valid, got error: %v", err)
	}
}

func TestValidate_InvalidHTTPPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"too high port", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.HTTPPort = tt.port
			err := cfg.Validate()
			if err == nil {
				t.Error("expected validation error for invalid port")
			}
		})
	}
}

func TestValidate_InvalidQueueSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.Size = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero queue size")
	}

	cfg.Queue.Size = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for negative queue size")
	}
}

func TestValidate_EnabledSectionsRequireTargets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
		{"audit without hosts", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.ClickHouse.Hosts = nil
		}},
		{"archive without bucket", func(c *Config) {
			c.Archive.Enabled = true
			c.Archive.S3.Bucket = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		sep      string
		expected []string
	}{
		{
			name:     "simple split",
			input:    "a,b,c",
			sep:      ",",
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "with spaces",
			input:    "a , b , c",
			sep:      ",",
			expected: []string{"a", "b", "c"},
		},
		{
			name:     "empty parts filtered",
			input:    "a,,b",
			sep:      ",",
			expected: []string{"a", "b"},
		},
		{
			name:     "single value",
			input:    "single",
			sep:      ",",
			expected: []string{"single"},
		},
		{
			name:     "empty string",
			input:    "",
			sep:      ",",
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitAndTrim(tt.input, tt.sep)
			if len(result) != len(tt.expected) {
				t.Errorf("splitAndTrim(%q, %q) = %v, expected %v", tt.input, tt.sep, result, tt.expected)
				return
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("splitAndTrim(%q, %q)[%d] = %q, expected %q", tt.input, tt.sep, i, v, tt.expected[i])
				}
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	// Save and restore env vars
	vars := []string{
		"OPSRELAY_HTTP_PORT",
		"OPSRELAY_LOG_LEVEL",
		"OPSRELAY_API_KEY",
		"OPSRELAY_CORS_ENABLED",
		"OPSRELAY_RATELIMIT_ENABLED",
		"REDIS_ADDR",
		"KAFKA_BROKERS",
	}
	original := make(map[string]string, len(vars))
	for _, v := range vars {
		original[v] = os.Getenv(v)
		os.Unsetenv(v)
	}
	defer func() {
		for k, v := range original {
			os.Setenv(k, v)
		}
	}()

	t.Run("HTTP port override", func(t *testing.T) {
		os.Setenv("OPSRELAY_HTTP_PORT", "9000")
		defer os.Unsetenv("OPSRELAY_HTTP_PORT")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Server.HTTPPort != 9000 {
			t.Errorf("expected HTTPPort 9000, got %d", cfg.Server.HTTPPort)
		}
	})

	t.Run("log level override", func(t *testing.T) {
		os.Setenv("OPSRELAY_LOG_LEVEL", "debug")
		defer os.Unsetenv("OPSRELAY_LOG_LEVEL")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("API key override", func(t *testing.T) {
		os.Setenv("OPSRELAY_API_KEY", "test-key-123")
		defer os.Unsetenv("OPSRELAY_API_KEY")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Auth.Enabled {
			t.Error("expected Auth.Enabled to be true when API key is set")
		}
		found := false
		for _, key := range cfg.Auth.APIKeys {
			if key == "test-key-123" {
				found = true
				break
			}
		}
		if !found {
			t.Error("expected API key to be added to APIKeys")
		}
	})

	t.Run("redis addr enables durable timers", func(t *testing.T) {
		os.Setenv("REDIS_ADDR", "redis.internal:6379")
		defer os.Unsetenv("REDIS_ADDR")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Scheduler.Redis.Enabled {
			t.Error("expected Redis timer store to be enabled")
		}
		if cfg.Scheduler.Redis.Addr != "redis.internal:6379" {
			t.Errorf("expected Addr 'redis.internal:6379', got %s", cfg.Scheduler.Redis.Addr)
		}
	})

	t.Run("kafka brokers enable transport", func(t *testing.T) {
		os.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
		defer os.Unsetenv("KAFKA_BROKERS")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if !cfg.Kafka.Enabled {
			t.Error("expected Kafka to be enabled")
		}
		if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
			t.Errorf("unexpected brokers: %v", cfg.Kafka.Brokers)
		}
	})

	t.Run("rate limit disabled override", func(t *testing.T) {
		os.Setenv("OPSRELAY_RATELIMIT_ENABLED", "false")
		defer os.Unsetenv("OPSRELAY_RATELIMIT_ENABLED")
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if cfg.RateLimit.Enabled {
			t.Error("expected RateLimit.Enabled to be false")
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9090
  read_timeout: 45s
scheduler:
  poll_interval: 250ms
  claim_limit: 64
  redis:
    enabled: true
    addr: "redis.test:6379"
dispatch:
  max_attempts: 5
  initial_backoff: 1s
kafka:
  enabled: true
  brokers: ["broker.test:9092"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	original := os.Getenv("OPSRELAY_CONFIG_PATH")
	os.Setenv("OPSRELAY_CONFIG_PATH", path)
	defer os.Setenv("OPSRELAY_CONFIG_PATH", original)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("expected HTTPPort 9090, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ReadTimeout != 45*time.Second {
		t.Errorf("expected ReadTimeout 45s, got %v", cfg.Server.ReadTimeout)
	}
	// Keys absent from a present section keep their defaults
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default WriteTimeout, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("expected PollInterval 250ms, got %v", cfg.Scheduler.PollInterval)
	}
	if cfg.Scheduler.ClaimLimit != 64 {
		t.Errorf("expected ClaimLimit 64, got %d", cfg.Scheduler.ClaimLimit)
	}
	if !cfg.Scheduler.Redis.Enabled || cfg.Scheduler.Redis.Addr != "redis.test:6379" {
		t.Errorf("unexpected redis config: %+v", cfg.Scheduler.Redis)
	}
	if cfg.Scheduler.Redis.DialTimeout != 5*time.Second {
		t.Errorf("expected default redis DialTimeout, got %v", cfg.Scheduler.Redis.DialTimeout)
	}
	if cfg.Dispatch.MaxAttempts != 5 || cfg.Dispatch.InitialBackoff != time.Second {
		t.Errorf("unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.MaxBackoff != 5*time.Second {
		t.Errorf("expected default MaxBackoff, got %v", cfg.Dispatch.MaxBackoff)
	}
	// Unset sections keep defaults
	if cfg.Queue.Size != 100000 {
		t.Errorf("expected default Queue.Size, got %d", cfg.Queue.Size)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  read_timeout: soon\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	original := os.Getenv("OPSRELAY_CONFIG_PATH")
	os.Setenv("OPSRELAY_CONFIG_PATH", path)
	defer os.Setenv("OPSRELAY_CONFIG_PATH", original)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	original := os.Getenv("OPSRELAY_CONFIG_PATH")
	os.Setenv("OPSRELAY_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	defer os.Setenv("OPSRELAY_CONFIG_PATH", original)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("expected default HTTPPort, got %d", cfg.Server.HTTPPort)
	}
}
