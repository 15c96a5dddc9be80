package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing strings that must never reach the
// log stream: bot tokens, upstream API keys, DSN passwords.
var secretPatterns = []*regexp.Regexp{
	// Telegram bot tokens: numeric id, colon, long opaque suffix.
	regexp.MustCompile(`\b\d{6,12}:[A-Za-z0-9_\-]{30,}\b`),
	// key=... query parameters (the upstream client sends the API key this way).
	regexp.MustCompile(`(?i)(key=)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}|[A-Za-z0-9_\-]{16,})`),
	// Passwords embedded in connection URLs.
	regexp.MustCompile(`(://[^:/@\s]+:)([^@\s]+)(@)`),
	// Generic key/token/secret assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
}

// NewLogger builds the process-wide JSON logger writing to stdout and a
// jsonl file under homeDir/logs. The returned closer owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "reviewsd.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, redactedPlaceholder)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler), file, nil
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "dsn"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	redacted := Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

// Redact replaces secret-bearing substrings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			switch len(submatch) {
			case 4:
				return submatch[1] + redactedPlaceholder + submatch[3]
			case 3:
				return submatch[1] + redactedPlaceholder
			default:
				return redactedPlaceholder
			}
		})
	}
	return result
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
