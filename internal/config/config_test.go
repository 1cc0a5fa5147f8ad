package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.OutboundCapacity != 500 || cfg.OutboundMaxAttempts != 3 {
		t.Errorf("unexpected outbound defaults: capacity=%d attempts=%d", cfg.OutboundCapacity, cfg.OutboundMaxAttempts)
	}
	if cfg.OutboundMinDelay != 2*time.Second || cfg.OutboundMaxDelay != 6*time.Second {
		t.Errorf("unexpected pacing defaults: %s..%s", cfg.OutboundMinDelay, cfg.OutboundMaxDelay)
	}
	if cfg.SweepRecoveryTimeout != 15*time.Minute {
		t.Errorf("expected 15m recovery timeout, got %s", cfg.SweepRecoveryTimeout)
	}
	if cfg.SessionBackend != "memory" || cfg.SessionTTL != 30*time.Minute {
		t.Errorf("unexpected session defaults: %s %s", cfg.SessionBackend, cfg.SessionTTL)
	}
	if cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("SNS region should follow AWS region, got %q vs %q", cfg.SNSRegion, cfg.AWSRegion)
	}
	if cfg.AIEnabled() {
		t.Error("AI should be disabled without a key")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("WUZAPI_TOKEN", "secret-token")
	t.Setenv("OUTBOUND_CAPACITY", "20")
	t.Setenv("OUTBOUND_MIN_DELAY", "500ms")
	t.Setenv("OUTBOUND_MAX_DELAY", "1s")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SESSION_BACKEND", "redis")
	t.Setenv("AWS_REGION", "us-east-1")
	t.Setenv("SNS_REGION", "eu-west-1")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.WuzapiToken != "secret-token" {
		t.Errorf("expected token, got %q", cfg.WuzapiToken)
	}
	if cfg.OutboundCapacity != 20 {
		t.Errorf("expected capacity 20, got %d", cfg.OutboundCapacity)
	}
	if cfg.OutboundMinDelay != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %s", cfg.OutboundMinDelay)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.SweepInterval)
	}
	if cfg.SessionBackend != "redis" {
		t.Errorf("expected redis backend, got %q", cfg.SessionBackend)
	}
	if cfg.SNSRegion != "eu-west-1" {
		t.Errorf("expected explicit SNS region, got %q", cfg.SNSRegion)
	}
	if !cfg.AIEnabled() {
		t.Error("AI should be enabled with a key")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"bad port", "PORT", "eighty", "invalid PORT"},
		{"bad duration", "OUTBOUND_RETRY_DELAY", "5", "invalid OUTBOUND_RETRY_DELAY"},
		{"bad batch size", "SWEEP_BATCH_SIZE", "many", "invalid SWEEP_BATCH_SIZE"},
		{"unknown session backend", "SESSION_BACKEND", "memcached", "invalid SESSION_BACKEND"},
		{"min above max delay", "OUTBOUND_MIN_DELAY", "10s", "exceeds OUTBOUND_MAX_DELAY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
