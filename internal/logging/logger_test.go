package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLogger_JSONOutputIsRedacted(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.Info("provider call", "auth", "Bearer abcdefghij0123456789xyz")

	out := buf.String()
	if strings.Contains(out, "abcdefghij0123456789xyz") {
		t.Fatalf("token leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("no redaction marker in log output: %s", out)
	}

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["msg"] != "provider call" {
		t.Fatalf("unexpected message: %v", rec["msg"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Output: &buf})

	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info emitted at warn level: %s", buf.String())
	}

	log.Warn("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("warn suppressed: %s", buf.String())
	}
}

func TestLogger_WithHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "info", Format: "json", Output: &buf})

	log.WithWorkflow("wf-1").WithPhase("build").WithProvider("claude").Info("attempt started")

	var rec map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["workflow_id"] != "wf-1" || rec["phase"] != "build" || rec["provider"] != "claude" {
		t.Fatalf("context fields missing: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"unknown": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
