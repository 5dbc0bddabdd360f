package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn := New(&buf, "info", "json", "")
	defer closeFn()

	logger.Info("import started", "job_id", "j-1")
	logger.Debug("hidden")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("output is not a single JSON record: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "import started" || rec["job_id"] != "j-1" {
		t.Errorf("record = %v", rec)
	}
}

func TestNew_FanoutToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")

	var buf bytes.Buffer
	logger, closeFn := New(&buf, "info", "text", path)
	logger.Warn("delivery failed", "schedule_id", "s-1")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if !strings.Contains(buf.String(), "delivery failed") {
		t.Errorf("stdout handler missing record: %q", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"schedule_id":"s-1"`) {
		t.Errorf("file handler missing JSON record: %q", data)
	}
}

func TestFromContext_RequestID(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-42")
	WithFields(ctx, "module", "assets").Info("preview")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-42") || !strings.Contains(out, "module=assets") {
		t.Errorf("log line = %q", out)
	}
}
