// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	DBPath       string
	APISecretKey string
	CORSOrigins  []string
	Debug        bool

	Gateway   GatewayConfig
	Webhook   WebhookConfig
	Lifecycle LifecycleConfig
	Database  DatabaseConfig

	HealthCheckTimeout time.Duration
	ShutdownTimeout    time.Duration
}

// GatewayConfig locates the protocol gateway and carries the app credentials it forwards upstream.
type GatewayConfig struct {
	Address string
	APIID   int
	APIHash string
}

// WebhookConfig controls delivery of relay events to the agent backend.
type WebhookConfig struct {
	BaseURL     string
	SecretToken string
	Timeout     time.Duration
}

// Enabled returns true when a webhook endpoint is configured.
func (w WebhookConfig) Enabled() bool {
	return w.BaseURL != ""
}

// LifecycleConfig tunes the session lifecycle manager.
type LifecycleConfig struct {
	QRCodeExpiresIn      time.Duration
	UpstreamTimeout      time.Duration
	ReconcileConcurrency int
	WatchdogInterval     time.Duration
}

// DatabaseConfig bounds retries of contended SQLite writes.
type DatabaseConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8000"),
		DBPath:       getEnv("DB_PATH", "./data/chatlink.db"),
		APISecretKey: getEnv("API_SECRET_KEY", ""),
		CORSOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Debug:        getEnvBool("DEBUG", false),
		Gateway: GatewayConfig{
			Address: getEnv("PROTOCOL_GATEWAY_ADDR", ""),
			APIID:   getEnvInt("PROTOCOL_API_ID", 0),
			APIHash: getEnv("PROTOCOL_API_HASH", ""),
		},
		Webhook: WebhookConfig{
			BaseURL:     strings.TrimRight(getEnv("WEBHOOK_BASE_URL", ""), "/"),
			SecretToken: getEnv("WEBHOOK_SECRET_TOKEN", ""),
			Timeout:     getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
		},
		Lifecycle: LifecycleConfig{
			QRCodeExpiresIn:      getEnvDuration("QR_CODE_EXPIRES_IN", 5*time.Minute),
			UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", 30*time.Second),
			ReconcileConcurrency: getEnvInt("RECONCILE_CONCURRENCY", 8),
			WatchdogInterval:     getEnvDuration("WATCHDOG_INTERVAL", time.Minute),
		},
		Database: DatabaseConfig{
			MaxRetries:     getEnvInt("DB_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
		HealthCheckTimeout: getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.APISecretKey == "" {
		return fmt.Errorf("API_SECRET_KEY is required")
	}
	if c.Gateway.Address == "" {
		return fmt.Errorf("PROTOCOL_GATEWAY_ADDR is required")
	}
	if c.Lifecycle.ReconcileConcurrency <= 0 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be > 0")
	}
	if c.Lifecycle.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be > 0")
	}
	if c.Lifecycle.WatchdogInterval <= 0 {
		return fmt.Errorf("WATCHDOG_INTERVAL must be > 0")
	}
	if c.Database.MaxRetries <= 0 {
		return fmt.Errorf("DB_MAX_RETRIES must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
