package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-shadow/internal/infrastructure/config"
)

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"JSON", `"msg":"hello"`},
		{"text", `msg=hello`},
		{"", `"msg":"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newWithWriter(&buf, config.LoggingConfig{Level: "info", Format: tt.format}, "1.2.3")
			logger.Info("hello")

			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestNew_DefaultOutputs(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", ""} {
		if logger := New(config.LoggingConfig{Output: output}, "test"); logger == nil {
			t.Errorf("New(output=%q) returned nil", output)
		}
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
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "warn"}, "test")

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	logger.Warn("shown warn")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("entries below warn were written: %s", out)
	}
	if !strings.Contains(out, "shown warn") {
		t.Errorf("warn entry missing: %s", out)
	}
}

func TestLogger_DefaultFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, config.LoggingConfig{Level: "info"}, "1.2.3")

	logger.Component("shadow").With("thing", "lamp1").Info("session opened")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	want := map[string]string{
		"service":   ServiceName,
		"version":   "1.2.3",
		"component": "shadow",
		"thing":     "lamp1",
		"msg":       "session opened",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %q", k, entry[k], v)
		}
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}
