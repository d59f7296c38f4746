package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	RealtimeAPIKey           string
	RealtimeURL              string
	RealtimeModel            string
	RealtimeVoice            string
	RealtimeHandshakeTimeout time.Duration
	RealtimeRetryMax         int
	RealtimeRetryDelay       time.Duration

	CartesiaAPIKey  string
	CartesiaBaseURL string
	CartesiaModel   string
	CartesiaVoiceID string
	CartesiaTimeout time.Duration

	LogLevel string
	LogFile  string
}

// Load reads environment variables and applies safe defaults. A .env file in
// the working directory is folded in first, without overriding the process
// environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "jamievoice"),
		AllowAnyOrigin:   false,

		RealtimeAPIKey: stringsTrimSpace("REALTIME_API_KEY"),
		RealtimeURL:    envOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:  envOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:  envOrDefault("REALTIME_VOICE", "alloy"),

		CartesiaAPIKey:  stringsTrimSpace("CARTESIA_API_KEY"),
		CartesiaBaseURL: envOrDefault("CARTESIA_BASE_URL", "https://api.cartesia.ai"),
		CartesiaModel:   envOrDefault("CARTESIA_MODEL", "sonic-2"),
		CartesiaVoiceID: stringsTrimSpace("CARTESIA_VOICE_ID"),

		LogLevel: envOrDefault("LOG_LEVEL", "info"),
		LogFile:  stringsTrimSpace("LOG_FILE"),

		ShutdownTimeout:          15 * time.Second,
		RealtimeHandshakeTimeout: 10 * time.Second,
		RealtimeRetryMax:         2,
		RealtimeRetryDelay:       3 * time.Second,
		CartesiaTimeout:          30 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeHandshakeTimeout, err = durationFromEnv("REALTIME_HANDSHAKE_TIMEOUT", cfg.RealtimeHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeRetryDelay, err = durationFromEnv("REALTIME_RETRY_DELAY", cfg.RealtimeRetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.CartesiaTimeout, err = durationFromEnv("CARTESIA_TIMEOUT", cfg.CartesiaTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeRetryMax, err = intFromEnv("REALTIME_RETRY_MAX", cfg.RealtimeRetryMax)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.RealtimeHandshakeTimeout < time.Second {
		return Config{}, fmt.Errorf("REALTIME_HANDSHAKE_TIMEOUT must be at least 1s")
	}
	if cfg.RealtimeRetryMax < 0 {
		return Config{}, fmt.Errorf("REALTIME_RETRY_MAX must be >= 0")
	}
	if cfg.RealtimeRetryDelay <= 0 {
		return Config{}, fmt.Errorf("REALTIME_RETRY_DELAY must be positive")
	}
	if cfg.CartesiaTimeout <= 0 {
		return Config{}, fmt.Errorf("CARTESIA_TIMEOUT must be positive")
	}

	return cfg, nil
}

// ValidateCredentials fails fast on missing upstream credentials. Split from
// Load so tooling that does not talk upstream can still read config.
func (c Config) ValidateCredentials() error {
	if c.RealtimeAPIKey == "" {
		return fmt.Errorf("REALTIME_API_KEY is required")
	}
	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
