package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("API_SECRET_KEY", "k")
	t.Setenv("PROTOCOL_GATEWAY_ADDR", "localhost:50061")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.Lifecycle.QRCodeExpiresIn != 5*time.Minute {
		t.Errorf("QRCodeExpiresIn = %v", cfg.Lifecycle.QRCodeExpiresIn)
	}
	if cfg.Lifecycle.ReconcileConcurrency != 8 {
		t.Errorf("ReconcileConcurrency = %d", cfg.Lifecycle.ReconcileConcurrency)
	}
	if cfg.Webhook.Enabled() {
		t.Error("webhook should be disabled without WEBHOOK_BASE_URL")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("WEBHOOK_BASE_URL", "http://backend:8080/")
	t.Setenv("WEBHOOK_TIMEOUT", "5")
	t.Setenv("UPSTREAM_TIMEOUT", "45s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("DEBUG", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Webhook.BaseURL != "http://backend:8080" {
		t.Errorf("BaseURL = %q", cfg.Webhook.BaseURL)
	}
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Errorf("Webhook.Timeout = %v", cfg.Webhook.Timeout)
	}
	if cfg.Lifecycle.UpstreamTimeout != 45*time.Second {
		t.Errorf("UpstreamTimeout = %v", cfg.Lifecycle.UpstreamTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if !cfg.Debug {
		t.Error("Debug = false")
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("API_SECRET_KEY", "")
	t.Setenv("PROTOCOL_GATEWAY_ADDR", "localhost:1")
	if _, err := Load(); err == nil {
		t.Fatal("Load() without API_SECRET_KEY should fail")
	}

	t.Setenv("API_SECRET_KEY", "k")
	t.Setenv("PROTOCOL_GATEWAY_ADDR", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() without PROTOCOL_GATEWAY_ADDR should fail")
	}
}

func TestGetEnvDurationFallback(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	if got := getEnvDuration("X_DURATION", time.Second); got != time.Second {
		t.Fatalf("getEnvDuration() = %v, want fallback", got)
	}
}
