package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		env    string
		expect zapcore.Level
	}{
		{"", zap.InfoLevel},
		{"INFO", zap.InfoLevel},
		{"DEBUG", zap.DebugLevel},
		{"WARN", zap.WarnLevel},
		{"warning", zap.WarnLevel},
		{"ERROR", zap.ErrorLevel},
		{"debug", zap.DebugLevel},
		{"  warn  ", zap.WarnLevel},
		{"invalid", zap.InfoLevel},
	}
	for _, tt := range tests {
		level := parseLogLevel(tt.env)
		if got := level.Level(); got != tt.expect {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.env, got, tt.expect)
		}
	}
}

func TestNewLoggerWithLevel(t *testing.T) {
	logger, err := NewLoggerWithLevel("debug")
	if err != nil {
		t.Fatalf("NewLoggerWithLevel() error = %v", err)
	}
	if logger == nil {
		t.Fatal("NewLoggerWithLevel() returned nil logger")
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("logger should have debug enabled")
	}
	logger.Info("test message")
	_ = logger.Sync() // best-effort; can fail on /dev/stderr in test env
}

func TestLoggerFromContext(t *testing.T) {
	fallback := zap.NewExample()
	if got := LoggerFromContext(context.Background(), fallback); got != fallback {
		t.Error("LoggerFromContext() without stored logger should return fallback")
	}
	if got := LoggerFromContext(context.Background(), nil); got == nil {
		t.Error("LoggerFromContext() with nil fallback should return a no-op logger")
	}
	scoped := fallback.With(zap.String("correlation_id", "abc"))
	ctx := WithLogger(context.Background(), scoped)
	if got := LoggerFromContext(ctx, fallback); got != scoped {
		t.Error("LoggerFromContext() should return the stored logger")
	}
}
