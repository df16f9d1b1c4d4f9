package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultCountry   = "cn"
	DefaultLocale    = "en"
	DefaultTimeoutMs = 5000
	MinTimeoutMs     = 2000
)

type Config struct {
	Username    string
	Password    string
	Country     string
	Locale      string
	TimeoutMs   int
	Unencrypted bool
	RateLimit   float64
	RateBurst   int
	LogLevel    string
	LogPretty   bool

	// A previously exported session; when complete it is imported instead
	// of logging in.
	SSecurity    string
	UserID       string
	ServiceToken string
}

// Load reads an optional .env file and then the process environment.
func Load(files ...string) Config {
	_ = godotenv.Load(files...)

	return Config{
		Username:    envOrDefault("MICLOUD_USERNAME", ""),
		Password:    envOrDefault("MICLOUD_PASSWORD", ""),
		Country:     strings.ToLower(envOrDefault("MICLOUD_COUNTRY", DefaultCountry)),
		Locale:      envOrDefault("MICLOUD_LOCALE", DefaultLocale),
		TimeoutMs:   ClampTimeout(envIntOrDefault("MICLOUD_TIMEOUT_MS", DefaultTimeoutMs)),
		Unencrypted: envBoolOrDefault("MICLOUD_UNENCRYPTED", false),
		RateLimit:   envFloatOrDefault("MICLOUD_RATE_LIMIT", 0),
		RateBurst:   envIntOrDefault("MICLOUD_RATE_BURST", 1),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		LogPretty:   envBoolOrDefault("LOG_PRETTY", true),

		SSecurity:    envOrDefault("MICLOUD_SSECURITY", ""),
		UserID:       envOrDefault("MICLOUD_USER_ID", ""),
		ServiceToken: envOrDefault("MICLOUD_SERVICE_TOKEN", ""),
	}
}

// ClampTimeout keeps the request timeout at or above MinTimeoutMs; the
// login flow goes through several redirects and needs the headroom.
func ClampTimeout(ms int) int {
	if ms < MinTimeoutMs {
		return MinTimeoutMs
	}
	return ms
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOrDefault(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBoolOrDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
