package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"invalid", slog.LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestNewWriter_Formats(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer

	NewWriter(&jsonBuf, "info", "json").Info("hello", "instance", "neodock-test")
	NewWriter(&textBuf, "info", "text").Info("hello", "instance", "neodock-test")

	if !strings.Contains(jsonBuf.String(), `"instance":"neodock-test"`) {
		t.Errorf("json output = %s", jsonBuf.String())
	}
	if !strings.Contains(textBuf.String(), "instance=neodock-test") {
		t.Errorf("text output = %s", textBuf.String())
	}
}

func TestNewWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn", "text")

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("warn line missing: %s", out)
	}
}

func TestLogger_With(t *testing.T) {
	logger := New("info", "text")
	childLogger := logger.With("key", "value")

	if childLogger == nil {
		t.Fatal("With() returned nil")
	}
	if childLogger == logger {
		t.Error("With() should return a new logger instance")
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	if logger == nil {
		t.Fatal("Nop() returned nil")
	}

	// Should not panic when logging
	logger.Info("test message", "key", "value")
	logger.Warn("test warning")
	logger.Error("test error")
	logger.Debug("test debug")
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestNopWriter(t *testing.T) {
	w := nopWriter{}
	n, err := w.Write([]byte("test"))
	if err != nil {
		t.Errorf("nopWriter.Write() error = %v", err)
	}
	if n != 4 {
		t.Errorf("nopWriter.Write() = %d, want 4", n)
	}
}

func TestLogger_WithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "info", "text")

	ctx := ContextWithRequestID(context.Background(), "req-42")
	logger.WithContext(ctx).Info("start")

	if !strings.Contains(buf.String(), "requestID=req-42") {
		t.Errorf("request id missing: %s", buf.String())
	}

	if got := logger.WithContext(context.Background()); got != logger {
		t.Error("WithContext without request id should return the same logger")
	}
}
