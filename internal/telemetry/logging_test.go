package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactBotToken(t *testing.T) {
	in := "send failed for bot 1234567890:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw8"
	out := Redact(in)
	if strings.Contains(out, "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw8") {
		t.Errorf("token survived redaction: %s", out)
	}
}

func TestRedactDSNPassword(t *testing.T) {
	in := "connect postgres://reviews:s3cretpw@db:5432/reviews"
	out := Redact(in)
	if strings.Contains(out, "s3cretpw") {
		t.Errorf("password survived redaction: %s", out)
	}
	if !strings.Contains(out, "reviews:[REDACTED]@db") {
		t.Errorf("expected user kept, password replaced: %s", out)
	}
}

func TestRedactAPIKeyParam(t *testing.T) {
	in := "GET /reviews?rated=true&key=6e7e1929-4ea9-4a5d-8c05-d601860389bd&limit=50"
	out := Redact(in)
	if strings.Contains(out, "6e7e1929") {
		t.Errorf("api key survived redaction: %s", out)
	}
}

func TestRedactLeavesPlainText(t *testing.T) {
	in := "parsed branch 70000001018523456: 75 reviews, 3 new"
	if out := Redact(in); out != in {
		t.Errorf("plain text mangled: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"junk":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("startup", "component", "test", "telegram_token", "1234567890:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw8")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "reviewsd.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if bytes.Contains(data, []byte("AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw8")) {
		t.Error("secret value reached the log file")
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.Split(data, []byte("\n"))[0], &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("expected timestamp key in log entry")
	}
}
