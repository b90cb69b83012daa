// Package config loads the zapfleet configuration from the environment.
// A .env file in the working directory is honored when present, so local
// development and containerized deployments share the same surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSystemPrompt is prepended to every AI-assisted reply. The product
// is Brazilian-Portuguese first, mirroring the tenant base.
const DefaultSystemPrompt = "Você é um assistente de IA. Evite responder perguntas pessoais, " +
	"filosóficas ou religiosas. Responda a perguntas de forma objetiva e educada. " +
	"Use emojis sempre que possível. Siga as regras complementares a seguir:"

// Config is the merged zapfleet configuration.
type Config struct {
	// Storage
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AI
	OpenAIKey    string
	OpenAIModel  string
	SystemPrompt string

	// Session orchestration
	LockTTL        time.Duration // lease duration for the per-session lock
	LockRenewEvery time.Duration // renewal cadence, should be well below LockTTL
	MaxRestarts    int           // consecutive auto-restarts before giving up
	RestartBackoff time.Duration // base backoff between auto-restarts, doubles per attempt
	PollInterval   time.Duration // fleet supervisor poll cadence

	// Command matching
	MatchThreshold float64 // similarity score a word must exceed to match
	CacheTTL       time.Duration

	// Misc
	LogLevel string
	DevQR    bool // render pairing QR codes on the terminal
}

// Load reads configuration from the environment, with a .env file as
// fallback. Only PostgresDSN is mandatory; everything else has a default.
func Load() (*Config, error) {
	// Missing .env is fine - environment variables may be set directly
	_ = godotenv.Load()

	cfg := &Config{
		PostgresDSN:    os.Getenv("POSTGRES_DSN"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getenvInt("REDIS_DB", 0),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    getenv("OPENAI_MODEL", "gpt-4o-mini"),
		SystemPrompt:   getenv("AI_SYSTEM_PROMPT", DefaultSystemPrompt),
		LockTTL:        getenvDuration("SESSION_LOCK_TTL", 2*time.Minute),
		LockRenewEvery: getenvDuration("SESSION_LOCK_RENEW_EVERY", time.Minute),
		MaxRestarts:    getenvInt("SESSION_MAX_RESTARTS", 5),
		RestartBackoff: getenvDuration("SESSION_RESTART_BACKOFF", 2*time.Second),
		PollInterval:   getenvDuration("FLEET_POLL_INTERVAL", 10*time.Second),
		MatchThreshold: getenvFloat("MATCH_THRESHOLD", 0.8),
		CacheTTL:       getenvDuration("AI_CACHE_TTL", time.Minute),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		DevQR:          getenvBool("DEV_QR", false),
	}

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN environment variable is required")
	}
	if cfg.LockRenewEvery >= cfg.LockTTL {
		return nil, fmt.Errorf("SESSION_LOCK_RENEW_EVERY (%s) must be below SESSION_LOCK_TTL (%s)",
			cfg.LockRenewEvery, cfg.LockTTL)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
