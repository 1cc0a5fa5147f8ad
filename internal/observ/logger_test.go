package observ

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"ERROR", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"production", "staging", "development"} {
		t.Run(env, func(t *testing.T) {
			logger, err := NewLogger(env, "warn")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if logger.Core().Enabled(zapcore.InfoLevel) {
				t.Error("info should be disabled at warn level")
			}
			if !logger.Core().Enabled(zapcore.WarnLevel) {
				t.Error("warn should be enabled")
			}
		})
	}
}
