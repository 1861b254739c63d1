package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Coinfeed CoinfeedConfig `yaml:"coinfeed"`
	Channels ChannelsConfig `yaml:"channels"`
	Stream   StreamConfig   `yaml:"stream"`
	Poller   PollerConfig   `yaml:"poller"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type CoinfeedConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	UpdateBuffer int `yaml:"update_buffer"`
	StateBuffer  int `yaml:"state_buffer"`
}

type StreamConfig struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeoutMs   int           `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs       int           `yaml:"write_timeout_ms"`
	PingIntervalMs       int           `yaml:"ping_interval_ms"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	Backoff              BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	BaseDelayMs    int     `yaml:"base_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	JitterFraction float64 `yaml:"jitter_fraction"`
}

type PollerConfig struct {
	URL           string          `yaml:"url"`
	IntervalMs    int             `yaml:"interval_ms"`
	TimeoutMs     int             `yaml:"timeout_ms"`
	Batch         bool            `yaml:"batch"`
	MaxConcurrent int             `yaml:"max_concurrent"`
	UserAgent     string          `yaml:"user_agent"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	ListenAddr string           `yaml:"listen_addr"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func (c StreamConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

func (c StreamConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

func (c StreamConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c BackoffConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c BackoffConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

func (c PollerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Channels: ChannelsConfig{
			UpdateBuffer: 256,
			StateBuffer:  16,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override endpoints from environment variables if available
	if v := os.Getenv("COINFEED_STREAM_URL"); v != "" {
		config.Stream.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("COINFEED_POLL_URL"); v != "" {
		config.Poller.URL = strings.TrimSpace(v)
	}
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Coinfeed.Name == "" {
		return fmt.Errorf("coinfeed.name is required")
	}

	if cfg.Coinfeed.Version == "" {
		return fmt.Errorf("coinfeed.version is required")
	}

	if cfg.Channels.UpdateBuffer <= 0 {
		return fmt.Errorf("channels.update_buffer must be greater than 0")
	}
	if cfg.Channels.StateBuffer <= 0 {
		return fmt.Errorf("channels.state_buffer must be greater than 0")
	}

	if cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if !strings.HasPrefix(cfg.Stream.URL, "ws://") && !strings.HasPrefix(cfg.Stream.URL, "wss://") {
		return fmt.Errorf("stream.url '%s' must use ws:// or wss://", cfg.Stream.URL)
	}
	if cfg.Stream.MaxReconnectAttempts < 0 {
		return fmt.Errorf("stream.max_reconnect_attempts must not be negative")
	}
	if cfg.Stream.Backoff.JitterFraction < 0 || cfg.Stream.Backoff.JitterFraction >= 1 {
		return fmt.Errorf("stream.backoff.jitter_fraction must be in [0, 1)")
	}
	if cfg.Stream.Backoff.MaxDelayMs > 0 && cfg.Stream.Backoff.MaxDelayMs < cfg.Stream.Backoff.BaseDelayMs {
		return fmt.Errorf("stream.backoff.max_delay_ms must not be smaller than base_delay_ms")
	}

	if cfg.Poller.URL == "" {
		return fmt.Errorf("poller.url is required")
	}
	if cfg.Poller.IntervalMs <= 0 {
		return fmt.Errorf("poller.interval_ms must be greater than 0")
	}
	if !cfg.Poller.Batch && cfg.Poller.MaxConcurrent <= 0 {
		return fmt.Errorf("poller.max_concurrent must be greater than 0 when batch is disabled")
	}
	if cfg.Poller.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("poller.rate_limit.requests_per_second must not be negative")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	return nil
}
