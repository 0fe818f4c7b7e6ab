package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "text", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("expected 'test message' in output, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("expected 'key=value' in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)

	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, `"msg":"test message"`) {
		t.Errorf("expected JSON msg field in output, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected JSON key field in output, got: %s", output)
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestNewLoggerWithWriter_ChildLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "text", &buf)
	child := logger.With("component", "runner")

	child.Debug("tick", "suite", "Router Checkout")

	output := buf.String()
	if !strings.Contains(output, "component=runner") {
		t.Errorf("expected component in output, got: %s", output)
	}
	if !strings.Contains(output, `suite="Router Checkout"`) {
		t.Errorf("expected suite in output, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// TestFanout_LevelsPerHandler verifies that a record reaches every handler
// whose level admits it: an info record lands in both the info and debug
// buffers, a debug record only in the debug buffer.
func TestFanout_LevelsPerHandler(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	logger := slog.New(Fanout(
		NewHandler(slog.LevelInfo, "text", &infoBuf),
		NewHandler(slog.LevelDebug, "text", &debugBuf),
	))

	logger.Info("visible everywhere")
	logger.Debug("debug only")

	if !strings.Contains(infoBuf.String(), "visible everywhere") {
		t.Errorf("info handler missing info record: %s", infoBuf.String())
	}
	if strings.Contains(infoBuf.String(), "debug only") {
		t.Errorf("info handler should filter debug records: %s", infoBuf.String())
	}
	if !strings.Contains(debugBuf.String(), "visible everywhere") {
		t.Errorf("debug handler missing info record: %s", debugBuf.String())
	}
	if !strings.Contains(debugBuf.String(), "debug only") {
		t.Errorf("debug handler missing debug record: %s", debugBuf.String())
	}
}

func TestFanout_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(Fanout(NewHandler(slog.LevelInfo, "text", &buf)))
	logger.With("stage", "s1").Info("stage started")

	if !strings.Contains(buf.String(), "stage=s1") {
		t.Errorf("expected attr to survive fanout, got: %s", buf.String())
	}
}
