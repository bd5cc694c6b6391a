package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerTo_JSONFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLoggerTo(&buf, "warn", true), "export")

	logger.Info("hidden")
	logger.Warn("shown", "asset_id", "a1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["component"] != "export" || rec["asset_id"] != "a1" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("short"); got != "****" {
		t.Errorf("SanitizeToken(short) = %q, want ****", got)
	}
	if got := SanitizeToken("abcd1234efgh5678"); got != "abcd...5678" {
		t.Errorf("SanitizeToken = %q, want %q", got, "abcd...5678")
	}
}

func TestWithMinLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := WithMinLevel(NewLoggerTo(&buf, "debug", false), slog.LevelWarn).With("run_id", "r1")

	logger.Info("quiet")
	logger.Debug("quieter")
	logger.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info record leaked: %q", out)
	}
	if !strings.Contains(out, "loud") || !strings.Contains(out, "run_id=r1") {
		t.Errorf("warn record missing: %q", out)
	}
}
