package config

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
)

// Instrument constants for the supported Indian index option chains.
// Lot sizes and strike steps follow current exchange contract specs.
var (
	LotSizes = map[string]int{
		"NIFTY":     75,
		"BANKNIFTY": 30,
		"SENSEX":    20,
	}

	StrikeSteps = map[string]int{
		"NIFTY":     50,
		"BANKNIFTY": 100,
		"SENSEX":    100,
	}
)

// LotSize returns the contract lot size for an instrument.
func LotSize(instrument string) (int, error) {
	n, ok := LotSizes[instrument]
	if !ok {
		return 0, fmt.Errorf("unknown instrument %q", instrument)
	}
	return n, nil
}

// StrikeStep returns the strike rounding step for an instrument.
func StrikeStep(instrument string) (int, error) {
	n, ok := StrikeSteps[instrument]
	if !ok {
		return 0, fmt.Errorf("unknown instrument %q", instrument)
	}
	return n, nil
}

// ATMStrike rounds a spot level to the instrument's nearest strike.
func ATMStrike(instrument string, spot float64) (int, error) {
	step, err := StrikeStep(instrument)
	if err != nil {
		return 0, err
	}
	return int(math.Round(spot/float64(step)) * float64(step)), nil
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Live feed credentials
	FeedURL        string
	FeedAPIKey     string
	FeedClientCode string
	FeedToken      string
	FeedTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string

	// Notifications (optional; empty disables the channel)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Forward warmup
	WarmupStrikeRange int
}

// Load reads configuration from environment variables with sensible defaults.
// Feed credentials are only required by the forward command; the backtester
// calls LoadBacktest instead.
func Load() *Config {
	cfg := LoadBacktest()
	cfg.FeedURL = mustEnv("FEED_URL")
	cfg.FeedAPIKey = mustEnv("FEED_API_KEY")
	cfg.FeedClientCode = mustEnv("FEED_CLIENT_CODE")
	cfg.FeedToken = mustEnv("FEED_TOKEN")
	cfg.FeedTOTPSecret = getEnv("FEED_TOTP_SECRET", "")
	return cfg
}

// LoadBacktest reads the subset of configuration the backtester needs.
func LoadBacktest() *Config {
	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		WarmupStrikeRange: getEnvInt("WARMUP_STRIKE_RANGE", 10),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return fallback
	}
	return n
}
