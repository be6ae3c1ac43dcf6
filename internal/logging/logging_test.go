package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentworkforce/driveindex/internal/config"
)

func TestTextLoggerBridgesPrintf(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "info", Format: "text"}, &buf)
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Component("dispatch").Printf("dispatched %d actions", 3)
	logger.Debug("hidden")
	out := buf.String()
	if !strings.Contains(out, "dispatched 3 actions") || !strings.Contains(out, "component=dispatch") {
		t.Fatalf("unexpected log output %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record should be filtered at info level: %q", out)
	}
}

func TestJSONLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Info("solr configured", "solr_password", "hunter2", "collection", "drive")
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode record failed: %v", err)
	}
	if record["solr_password"] != "[REDACTED]" {
		t.Fatalf("expected redacted password, got %v", record["solr_password"])
	}
	if record["collection"] != "drive" {
		t.Fatalf("expected collection attr, got %v", record["collection"])
	}
}

func TestFileLoggerWritesThroughRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "driveindex.log")
	logger, err := New(config.LogConfig{Level: "info", Format: "text", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Printf("cycle completed")
	if err := logger.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	if !strings.Contains(string(data), "cycle completed") {
		t.Fatalf("unexpected log file %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "": slog.LevelInfo, "WARNING": slog.LevelWarn, "error": slog.LevelError}
	for input, want := range cases {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected unknown level error")
	}
	if _, err := NewWithWriter(config.LogConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown format error")
	}
}
