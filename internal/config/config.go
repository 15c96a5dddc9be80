package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RosterConfig controls the branch registry source.
type RosterConfig struct {
	// SpreadsheetKey identifies the Google Sheets document holding the roster.
	SpreadsheetKey string `yaml:"spreadsheet_key"`
	// FallbackFile is a local ;-separated CSV used when the remote fetch fails.
	FallbackFile string `yaml:"fallback_file"`
	// CacheTTLSeconds is how long a fetched roster stays fresh. Default 300.
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// UpstreamConfig controls the reviews provider client.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Locale  string `yaml:"locale"`
	// PageSize is the pagination window. Default 50.
	PageSize int `yaml:"page_size"`
	// PageDelaySeconds is the politeness delay between pages. Default 1.
	PageDelaySeconds int `yaml:"page_delay_seconds"`
	// RequestTimeoutSeconds bounds a single HTTP call. Default 30.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// IngestConfig controls the periodic parse scheduler.
type IngestConfig struct {
	// Schedule is a five-field cron expression. Default "0 */6 * * *".
	Schedule string `yaml:"schedule"`
	// Workers bounds branch-level parallelism. Default 1, capped at 4.
	Workers int `yaml:"workers"`
	// BranchDelaySeconds is the pause between branches. Default 2.
	BranchDelaySeconds int `yaml:"branch_delay_seconds"`
	// RunOnStart triggers an immediate tick at startup.
	RunOnStart bool `yaml:"run_on_start"`
}

// QueueConfig controls the notification queue workers.
type QueueConfig struct {
	// Workers is the number of queue consumers. Default 2.
	Workers int `yaml:"workers"`
	// RatePerSecond is the global dispatch limit. Default 30.
	RatePerSecond int `yaml:"rate_per_second"`
}

// TelegramConfig holds the bot credential.
type TelegramConfig struct {
	Token string `yaml:"token"`
}

// HTTPConfig controls the read API server.
type HTTPConfig struct {
	BindAddr string `yaml:"bind_addr"`
	// AllowedOrigins is the CORS allow-list.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OtelConfig mirrors the tracing provider settings.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "otlp-http", "none"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// DatabaseURL is the Postgres DSN. Required.
	DatabaseURL string `yaml:"database_url"`
	// RedisURL is the cache and queue broker. Optional: without it the cache
	// is disabled and the queue refuses to start.
	RedisURL string `yaml:"redis_url"`

	Roster   RosterConfig   `yaml:"roster"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Queue    QueueConfig    `yaml:"queue"`
	Telegram TelegramConfig `yaml:"telegram"`
	HTTP     HTTPConfig     `yaml:"http"`
	Otel     OtelConfig     `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Roster: RosterConfig{
			FallbackFile:    "data/sandyq_tary_branches.csv",
			CacheTTLSeconds: int((5 * time.Minute).Seconds()),
		},
		Upstream: UpstreamConfig{
			BaseURL:               "https://public-api.reviews.2gis.com/2.0",
			Locale:                "ru_KZ",
			PageSize:              50,
			PageDelaySeconds:      1,
			RequestTimeoutSeconds: 30,
		},
		Ingest: IngestConfig{
			Schedule:           "0 */6 * * *",
			Workers:            1,
			BranchDelaySeconds: 2,
		},
		Queue: QueueConfig{
			Workers:       2,
			RatePerSecond: 30,
		},
		HTTP: HTTPConfig{
			BindAddr:       ":8000",
			AllowedOrigins: []string{"https://reviews.aqniet.site"},
		},
	}
}

// HomeDir returns the directory for logs and lock files.
func HomeDir() string {
	if override := os.Getenv("REVIEWSD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".reviewsd")
}

// Load reads config.yaml from the home dir (if present), then applies
// environment overrides and validates required credentials.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create reviewsd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate enforces the required credentials. DATABASE_URL and
// TELEGRAM_BOT_TOKEN are fatal when missing; REDIS_URL is not.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

// CacheEnabled reports whether a cache/queue broker is configured.
func (c Config) CacheEnabled() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Roster.CacheTTLSeconds <= 0 {
		cfg.Roster.CacheTTLSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.Roster.FallbackFile == "" {
		cfg.Roster.FallbackFile = "data/sandyq_tary_branches.csv"
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = "https://public-api.reviews.2gis.com/2.0"
	}
	if cfg.Upstream.Locale == "" {
		cfg.Upstream.Locale = "ru_KZ"
	}
	if cfg.Upstream.PageSize <= 0 {
		cfg.Upstream.PageSize = 50
	}
	if cfg.Upstream.PageDelaySeconds < 0 {
		cfg.Upstream.PageDelaySeconds = 1
	}
	if cfg.Upstream.RequestTimeoutSeconds <= 0 {
		cfg.Upstream.RequestTimeoutSeconds = 30
	}
	if cfg.Ingest.Schedule == "" {
		cfg.Ingest.Schedule = "0 */6 * * *"
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 1
	}
	if cfg.Ingest.Workers > 4 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.BranchDelaySeconds < 0 {
		cfg.Ingest.BranchDelaySeconds = 2
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.RatePerSecond <= 0 {
		cfg.Queue.RatePerSecond = 30
	}
	if cfg.HTTP.BindAddr == "" {
		cfg.HTTP.BindAddr = ":8000"
	}
	if len(cfg.HTTP.AllowedOrigins) == 0 {
		cfg.HTTP.AllowedOrigins = []string{"https://reviews.aqniet.site"}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := os.Getenv("REDIS_URL"); raw != "" {
		cfg.RedisURL = raw
	}
	if raw := os.Getenv("PARSER_API_KEY"); raw != "" {
		cfg.Upstream.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		var origins []string
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			cfg.HTTP.AllowedOrigins = origins
		}
	}
	if raw := os.Getenv("REVIEWSD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("REVIEWSD_BIND_ADDR"); raw != "" {
		cfg.HTTP.BindAddr = raw
	}
	if raw := os.Getenv("REVIEWSD_SCHEDULE"); raw != "" {
		cfg.Ingest.Schedule = raw
	}
	if raw := os.Getenv("REVIEWSD_INGEST_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Ingest.Workers = v
		}
	}
	if raw := os.Getenv("REVIEWSD_QUEUE_WORKERS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.Workers = v
		}
	}
	if raw := os.Getenv("ROSTER_SPREADSHEET_KEY"); raw != "" {
		cfg.Roster.SpreadsheetKey = raw
	}
	if raw := os.Getenv("ROSTER_FALLBACK_FILE"); raw != "" {
		cfg.Roster.FallbackFile = raw
	}
}
