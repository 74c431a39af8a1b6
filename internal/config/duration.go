package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// setDuration parses a YAML duration value into dst. Go duration strings
// ("30s", "5m") and bare integers (nanoseconds) are accepted; an empty
// value leaves dst untouched so file sections merge over defaults.
func setDuration(raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*dst = time.Duration(n)
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

// The UnmarshalYAML implementations below exist because yaml.v3 cannot
// decode duration strings into time.Duration. Each decodes into a shadow
// struct pre-seeded with the current values, so keys absent from the file
// keep their defaults.

func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		HTTPPort     int    `yaml:"http_port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
	}{HTTPPort: s.HTTPPort}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.HTTPPort = raw.HTTPPort
	if err := setDuration(raw.ReadTimeout, &s.ReadTimeout); err != nil {
		return fmt.Errorf("server.read_timeout: %w", err)
	}
	if err := setDuration(raw.WriteTimeout, &s.WriteTimeout); err != nil {
		return fmt.Errorf("server.write_timeout: %w", err)
	}
	return nil
}

func (d *DTLSConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Enabled           bool   `yaml:"enabled"`
		Address           string `yaml:"address"`
		CertFile          string `yaml:"cert_file"`
		KeyFile           string `yaml:"key_file"`
		CAFile            string `yaml:"ca_file"`
		RequireClientCert bool   `yaml:"require_client_cert"`
		Workers           int    `yaml:"workers"`
		MaxMessageSize    int    `yaml:"max_message_size"`
		ConnectionTimeout string `yaml:"connection_timeout"`
		IdleTimeout       string `yaml:"idle_timeout"`
		AllowInsecure     bool   `yaml:"allow_insecure"`
	}{
		Enabled:           d.Enabled,
		Address:           d.Address,
		CertFile:          d.CertFile,
		KeyFile:           d.KeyFile,
		CAFile:            d.CAFile,
		RequireClientCert: d.RequireClientCert,
		Workers:           d.Workers,
		MaxMessageSize:    d.MaxMessageSize,
		AllowInsecure:     d.AllowInsecure,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.Enabled = raw.Enabled
	d.Address = raw.Address
	d.CertFile = raw.CertFile
	d.KeyFile = raw.KeyFile
	d.CAFile = raw.CAFile
	d.RequireClientCert = raw.RequireClientCert
	d.Workers = raw.Workers
	d.MaxMessageSize = raw.MaxMessageSize
	d.AllowInsecure = raw.AllowInsecure
	if err := setDuration(raw.ConnectionTimeout, &d.ConnectionTimeout); err != nil {
		return fmt.Errorf("dtls.connection_timeout: %w", err)
	}
	if err := setDuration(raw.IdleTimeout, &d.IdleTimeout); err != nil {
		return fmt.Errorf("dtls.idle_timeout: %w", err)
	}
	return nil
}

func (v *ValidationConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		MaxAlertAge string `yaml:"max_alert_age"`
		MaxFuture   string `yaml:"max_future"`
		StrictMode  bool   `yaml:"strict_mode"`
	}{StrictMode: v.StrictMode}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v.StrictMode = raw.StrictMode
	if err := setDuration(raw.MaxAlertAge, &v.MaxAlertAge); err != nil {
		return fmt.Errorf("validation.max_alert_age: %w", err)
	}
	if err := setDuration(raw.MaxFuture, &v.MaxFuture); err != nil {
		return fmt.Errorf("validation.max_future: %w", err)
	}
	return nil
}

func (r *RateLimitConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Enabled       bool     `yaml:"enabled"`
		RequestsPerIP int      `yaml:"requests_per_ip"`
		WindowSize    string   `yaml:"window_size"`
		BurstSize     int      `yaml:"burst_size"`
		CleanupPeriod string   `yaml:"cleanup_period"`
		ExemptPaths   []string `yaml:"exempt_paths"`
		TrustProxy    bool     `yaml:"trust_proxy"`
	}{
		Enabled:       r.Enabled,
		RequestsPerIP: r.RequestsPerIP,
		BurstSize:     r.BurstSize,
		ExemptPaths:   r.ExemptPaths,
		TrustProxy:    r.TrustProxy,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Enabled = raw.Enabled
	r.RequestsPerIP = raw.RequestsPerIP
	r.BurstSize = raw.BurstSize
	r.ExemptPaths = raw.ExemptPaths
	r.TrustProxy = raw.TrustProxy
	if err := setDuration(raw.WindowSize, &r.WindowSize); err != nil {
		return fmt.Errorf("rate_limit.window_size: %w", err)
	}
	if err := setDuration(raw.CleanupPeriod, &r.CleanupPeriod); err != nil {
		return fmt.Errorf("rate_limit.cleanup_period: %w", err)
	}
	return nil
}

func (e *EngineConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Workers       int    `yaml:"workers"`
		PollInterval  string `yaml:"poll_interval"`
		ShutdownWait  string `yaml:"shutdown_wait"`
		SweepAge      string `yaml:"sweep_age"`
		SweepInterval string `yaml:"sweep_interval"`
	}{Workers: e.Workers}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	e.Workers = raw.Workers
	if err := setDuration(raw.PollInterval, &e.PollInterval); err != nil {
		return fmt.Errorf("engine.poll_interval: %w", err)
	}
	if err := setDuration(raw.ShutdownWait, &e.ShutdownWait); err != nil {
		return fmt.Errorf("engine.shutdown_wait: %w", err)
	}
	if err := setDuration(raw.SweepAge, &e.SweepAge); err != nil {
		return fmt.Errorf("engine.sweep_age: %w", err)
	}
	if err := setDuration(raw.SweepInterval, &e.SweepInterval); err != nil {
		return fmt.Errorf("engine.sweep_interval: %w", err)
	}
	return nil
}

func (s *SchedulerConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		PollInterval string      `yaml:"poll_interval"`
		ClaimLimit   int         `yaml:"claim_limit"`
		Redis        RedisConfig `yaml:"redis"`
	}{ClaimLimit: s.ClaimLimit, Redis: s.Redis}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	s.ClaimLimit = raw.ClaimLimit
	s.Redis = raw.Redis
	if err := setDuration(raw.PollInterval, &s.PollInterval); err != nil {
		return fmt.Errorf("scheduler.poll_interval: %w", err)
	}
	return nil
}

func (r *RedisConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Enabled      bool   `yaml:"enabled"`
		Addr         string `yaml:"addr"`
		Password     string `yaml:"password"`
		DB           int    `yaml:"db"`
		KeyPrefix    string `yaml:"key_prefix"`
		DialTimeout  string `yaml:"dial_timeout"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		PoolSize     int    `yaml:"pool_size"`
		TLSEnabled   bool   `yaml:"tls_enabled"`
	}{
		Enabled:    r.Enabled,
		Addr:       r.Addr,
		Password:   r.Password,
		DB:         r.DB,
		KeyPrefix:  r.KeyPrefix,
		PoolSize:   r.PoolSize,
		TLSEnabled: r.TLSEnabled,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	r.Enabled = raw.Enabled
	r.Addr = raw.Addr
	r.Password = raw.Password
	r.DB = raw.DB
	r.KeyPrefix = raw.KeyPrefix
	r.PoolSize = raw.PoolSize
	r.TLSEnabled = raw.TLSEnabled
	if err := setDuration(raw.DialTimeout, &r.DialTimeout); err != nil {
		return fmt.Errorf("redis.dial_timeout: %w", err)
	}
	if err := setDuration(raw.ReadTimeout, &r.ReadTimeout); err != nil {
		return fmt.Errorf("redis.read_timeout: %w", err)
	}
	if err := setDuration(raw.WriteTimeout, &r.WriteTimeout); err != nil {
		return fmt.Errorf("redis.write_timeout: %w", err)
	}
	return nil
}

func (d *DispatchConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		MaxAttempts    int     `yaml:"max_attempts"`
		InitialBackoff string  `yaml:"initial_backoff"`
		MaxBackoff     string  `yaml:"max_backoff"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		AttemptTimeout string  `yaml:"attempt_timeout"`
		NotifyURL      string  `yaml:"notify_url"`
		TicketURL      string  `yaml:"ticket_url"`
		SMSURL         string  `yaml:"sms_url"`
	}{
		MaxAttempts:   d.MaxAttempts,
		BackoffFactor: d.BackoffFactor,
		NotifyURL:     d.NotifyURL,
		TicketURL:     d.TicketURL,
		SMSURL:        d.SMSURL,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.MaxAttempts = raw.MaxAttempts
	d.BackoffFactor = raw.BackoffFactor
	d.NotifyURL = raw.NotifyURL
	d.TicketURL = raw.TicketURL
	d.SMSURL = raw.SMSURL
	if err := setDuration(raw.InitialBackoff, &d.InitialBackoff); err != nil {
		return fmt.Errorf("dispatch.initial_backoff: %w", err)
	}
	if err := setDuration(raw.MaxBackoff, &d.MaxBackoff); err != nil {
		return fmt.Errorf("dispatch.max_backoff: %w", err)
	}
	if err := setDuration(raw.AttemptTimeout, &d.AttemptTimeout); err != nil {
		return fmt.Errorf("dispatch.attempt_timeout: %w", err)
	}
	return nil
}

func (c *ClickHouseConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Hosts           []string `yaml:"hosts"`
		Database        string   `yaml:"database"`
		Username        string   `yaml:"username"`
		Password        string   `yaml:"password"`
		MaxOpenConns    int      `yaml:"max_open_conns"`
		MaxIdleConns    int      `yaml:"max_idle_conns"`
		ConnMaxLifetime string   `yaml:"conn_max_lifetime"`
		TLSEnabled      bool     `yaml:"tls_enabled"`
		DialTimeout     string   `yaml:"dial_timeout"`
	}{
		Hosts:        c.Hosts,
		Database:     c.Database,
		Username:     c.Username,
		Password:     c.Password,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
		TLSEnabled:   c.TLSEnabled,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Hosts = raw.Hosts
	c.Database = raw.Database
	c.Username = raw.Username
	c.Password = raw.Password
	c.MaxOpenConns = raw.MaxOpenConns
	c.MaxIdleConns = raw.MaxIdleConns
	c.TLSEnabled = raw.TLSEnabled
	if err := setDuration(raw.ConnMaxLifetime, &c.ConnMaxLifetime); err != nil {
		return fmt.Errorf("clickhouse.conn_max_lifetime: %w", err)
	}
	if err := setDuration(raw.DialTimeout, &c.DialTimeout); err != nil {
		return fmt.Errorf("clickhouse.dial_timeout: %w", err)
	}
	return nil
}

func (b *BatchWriterConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		BatchSize     int    `yaml:"batch_size"`
		FlushInterval string `yaml:"flush_interval"`
		MaxRetries    int    `yaml:"max_retries"`
		RetryDelay    string `yaml:"retry_delay"`
	}{BatchSize: b.BatchSize, MaxRetries: b.MaxRetries}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	b.BatchSize = raw.BatchSize
	b.MaxRetries = raw.MaxRetries
	if err := setDuration(raw.FlushInterval, &b.FlushInterval); err != nil {
		return fmt.Errorf("batch_writer.flush_interval: %w", err)
	}
	if err := setDuration(raw.RetryDelay, &b.RetryDelay); err != nil {
		return fmt.Errorf("batch_writer.retry_delay: %w", err)
	}
	return nil
}
