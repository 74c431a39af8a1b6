// Package config handles configuration loading for opsrelay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	CORS       CORSConfig       `yaml:"cors"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Rules      RulesConfig      `yaml:"rules"`
	Engine     EngineConfig     `yaml:"engine"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Audit      AuditConfig      `yaml:"audit"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size"`
	MaxPayloadSize int        `yaml:"max_payload_size"`
	DTLS           DTLSConfig `yaml:"dtls"`
}

// DTLSConfig holds DTLS (secure UDP) alert ingestion settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"` // Allow fallback to plain UDP (NOT RECOMMENDED)
}

// QueueConfig holds alert queue settings.
type QueueConfig struct {
	Size           int    `yaml:"size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// ValidationConfig holds alert validation settings.
type ValidationConfig struct {
	MaxAlertAge time.Duration `yaml:"max_alert_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
	StrictMode  bool          `yaml:"strict_mode"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // Preflight cache duration in seconds
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`     // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`    // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`     // Trust X-Forwarded-For header
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RulesConfig holds escalation rule loading settings.
type RulesConfig struct {
	Dir string `yaml:"dir"` // Directory of rule YAML files loaded at startup
}

// EngineConfig holds the alert consumer settings.
type EngineConfig struct {
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ShutdownWait  time.Duration `yaml:"shutdown_wait"`
	SweepAge      time.Duration `yaml:"sweep_age"` // Closed cases older than this are archived
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SchedulerConfig holds escalation timer settings.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ClaimLimit   int           `yaml:"claim_limit"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the durable timer store settings. When disabled the
// scheduler falls back to the in-memory store and timers do not survive
// restarts.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DispatchConfig holds action dispatch settings.
type DispatchConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// Delivery endpoints for the built-in channels.
	NotifyURL string `yaml:"notify_url"`
	TicketURL string `yaml:"ticket_url"`
	SMSURL    string `yaml:"sms_url"`
}

// KafkaConfig holds the streaming transport settings. Alerts and
// acknowledgment signals are consumed from separate topics; operational
// failure alerts are produced to a third.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	AlertsTopic      string   `yaml:"alerts_topic"`
	SignalsTopic     string   `yaml:"signals_topic"`
	OpsTopic         string   `yaml:"ops_topic"`
	ConsumerGroup    string   `yaml:"consumer_group"`
	SecurityProtocol string   `yaml:"security_protocol"`
	SASLMechanism    string   `yaml:"sasl_mechanism"`
	SASLUsername     string   `yaml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password"`
	TLSCertFile      string   `yaml:"tls_cert_file"`
	TLSKeyFile       string   `yaml:"tls_key_file"`
	TLSCAFile        string   `yaml:"tls_ca_file"`
}

// AuditConfig holds case event audit trail settings.
type AuditConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds audit batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// ArchiveConfig holds closed case archival settings.
type ArchiveConfig struct {
	Enabled bool     `yaml:"enabled"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"` // Empty for AWS S3
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	Prefix          string `yaml:"prefix"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			DTLS: DTLSConfig{
				Enabled:           false, // Enable when certificates are configured
				Address:           ":5517",
				Workers:           8,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
				AllowInsecure:     false,
				RequireClientCert: false,
			},
		},
		Queue: QueueConfig{
			Size:           100000,
			OverflowPolicy: "reject",
		},
		Validation: ValidationConfig{
			MaxAlertAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
			StrictMode:  false, // Disabled by default - enable for production
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false, // Disabled by default for development
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
			AllowedHeaders: []string{
				"Accept",
				"Authorization",
				"Content-Type",
				"X-API-Key",
				"X-Request-ID",
			},
			ExposedHeaders: []string{
				"X-Request-ID",
				"X-RateLimit-Limit",
				"X-RateLimit-Remaining",
				"X-RateLimit-Reset",
			},
			AllowCredentials: false, // Set to false when AllowedOrigins is "*"
			MaxAge:           86400, // 24 hours preflight cache
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rules: RulesConfig{
			Dir: "configs/rules",
		},
		Engine: EngineConfig{
			Workers:       4,
			PollInterval:  10 * time.Millisecond,
			ShutdownWait:  30 * time.Second,
			SweepAge:      24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Scheduler: SchedulerConfig{
			PollInterval: time.Second,
			ClaimLimit:   256,
			Redis: RedisConfig{
				Enabled:      false, // In-memory timers by default for development
				Addr:         "localhost:6379",
				KeyPrefix:    "opsrelay:timers",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
			},
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			BackoffFactor:  2.0,
			AttemptTimeout: 10 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:          false, // HTTP ingestion only by default
			Brokers:          []string{"localhost:9092"},
			AlertsTopic:      "opsrelay.alerts",
			SignalsTopic:     "opsrelay.signals",
			OpsTopic:         "opsrelay.ops",
			ConsumerGroup:    "opsrelay-engine",
			SecurityProtocol: "PLAINTEXT",
		},
		Audit: AuditConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "opsrelay",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     500,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Archive: ArchiveConfig{
			Enabled: false,
			S3: S3Config{
				Region: "us-east-1",
				Bucket: "opsrelay-archive",
				Prefix: "cases",
			},
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("OPSRELAY_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("OPSRELAY_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("OPSRELAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("OPSRELAY_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if dir := os.Getenv("OPSRELAY_RULES_DIR"); dir != "" {
		c.Rules.Dir = dir
	}

	// Timer store settings
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Scheduler.Redis.Addr = addr
		c.Scheduler.Redis.Enabled = true
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Scheduler.Redis.Password = pass
	}

	// Streaming transport settings
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	// Audit settings
	if enabled := os.Getenv("OPSRELAY_AUDIT_ENABLED"); enabled == "true" {
		c.Audit.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Audit.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Audit.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Audit.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Audit.ClickHouse.Password = pass
	}

	// Archive settings
	if bucket := os.Getenv("OPSRELAY_ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.S3.Bucket = bucket
		c.Archive.Enabled = true
	}

	// CORS settings
	if enabled := os.Getenv("OPSRELAY_CORS_ENABLED"); enabled == "false" {
		c.CORS.Enabled = false
	}

	if origins := os.Getenv("OPSRELAY_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins, ",")
	}

	// Rate limit settings
	if enabled := os.Getenv("OPSRELAY_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("OPSRELAY_RATELIMIT_RPS"); rps != "" {
		fmt.Sscanf(rps, "%d", &c.RateLimit.RequestsPerIP)
	}

	if burst := os.Getenv("OPSRELAY_RATELIMIT_BURST"); burst != "" {
		fmt.Sscanf(burst, "%d", &c.RateLimit.BurstSize)
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}

	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive")
	}

	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("dispatch max_attempts must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka enabled but no brokers configured")
	}

	if c.Audit.Enabled && len(c.Audit.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("audit enabled but no clickhouse hosts configured")
	}

	if c.Archive.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive enabled but no s3 bucket configured")
	}

	return nil
}
