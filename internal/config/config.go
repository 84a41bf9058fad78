package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway process configuration, read from environment variables.
type Config struct {
	Provider   string
	ListenAddr string
	LogMode    string
	DBPath     string

	TelegramBotToken      string
	TelegramWebhookSecret string
	TelegramWebhookURL    string

	BackendURL   string
	BackendRoute string
	BackendToken string
	BackendModel string

	DispatchMaxRetries int
	DispatchTimeout    time.Duration

	ContextWindowTurns      int
	EnableContextSummary    bool
	SummaryUpdateEveryTurns int
	SummaryTokenThreshold   int
	SummaryMaxChars         int
	SummaryTimeout          time.Duration

	RetentionDays     int
	RetentionInterval time.Duration

	RAMWarnThresholdGB float64
}

// Load reads gateway configuration from environment variables.
func Load() (Config, error) {
	provider := strings.ToLower(envOrDefault("PROVIDER", "telegram"))

	telegramToken := os.Getenv("TELEGRAM_BOT_TOKEN")
	if provider == "telegram" && telegramToken == "" {
		return Config{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when PROVIDER=telegram")
	}

	return Config{
		Provider:   provider,
		ListenAddr: envOrDefault("LISTEN_ADDR", ":8000"),
		LogMode:    envOrDefault("LOG_MODE", "dev"),
		DBPath:     envOrDefault("DB_PATH", "/data/gateway.db"),

		TelegramBotToken:      telegramToken,
		TelegramWebhookSecret: os.Getenv("TELEGRAM_WEBHOOK_SECRET"),
		TelegramWebhookURL:    os.Getenv("TELEGRAM_WEBHOOK_URL"),

		BackendURL:   envOrDefault("BACKEND_URL", "http://openclaw:8080"),
		BackendRoute: envOrDefault("BACKEND_ROUTE", "/v1/skills/dispatch"),
		BackendToken: os.Getenv("BACKEND_TOKEN"),
		BackendModel: envOrDefault("BACKEND_MODEL", "openclaw"),

		DispatchMaxRetries: envIntOrDefault("DISPATCH_MAX_RETRIES", 1),
		DispatchTimeout:    time.Duration(envIntOrDefault("DISPATCH_TIMEOUT_SECONDS", 180)) * time.Second,

		ContextWindowTurns:      envIntOrDefault("CONTEXT_WINDOW_TURNS", 12),
		EnableContextSummary:    envBoolOrDefault("ENABLE_CONTEXT_SUMMARY", true),
		SummaryUpdateEveryTurns: envIntOrDefault("SUMMARY_UPDATE_EVERY_TURNS", 6),
		SummaryTokenThreshold:   envIntOrDefault("SUMMARY_TOKEN_THRESHOLD", 3500),
		SummaryMaxChars:         envIntOrDefault("SUMMARY_MAX_CHARS", 1200),
		SummaryTimeout:          time.Duration(envIntOrDefault("SUMMARY_TIMEOUT_SECONDS", 30)) * time.Second,

		RetentionDays:     envIntOrDefault("MESSAGE_RETENTION_DAYS", 90),
		RetentionInterval: time.Duration(envIntOrDefault("RETENTION_INTERVAL_SECONDS", 86400)) * time.Second,

		RAMWarnThresholdGB: envFloatOrDefault("RAM_WARN_THRESHOLD_GB", 2.0),
	}, nil
}

// RetentionHorizon returns the age beyond which stored messages are purged.
func (c Config) RetentionHorizon() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}
