package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	// HistoryDB is where board history is kept: a sqlite database, or a
	// JSON file when it ends in ".json". Empty keeps history in memory.
	HistoryDB string
	// RedisAddr, when set, shares awareness state between server instances.
	RedisAddr string
	// UndoRateLimit caps undo/redo requests per user per minute; unauthenticated
	// callers are keyed by client IP.
	UndoRateLimit int

	LogLevel  slog.Level
	LogFormat string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:          3000,
		GinMode:       "release",
		TokenExpiry:   7 * 24 * time.Hour,
		UndoRateLimit: 120,
		LogLevel:      slog.LevelInfo,
		LogFormat:     "text",
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	cfg.HistoryDB = env.Getenv("HISTORY_DB")
	cfg.RedisAddr = env.Getenv("REDIS_ADDR")

	if raw := env.Getenv("UNDO_RATE_LIMIT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid UNDO_RATE_LIMIT")
		}
		cfg.UndoRateLimit = n
	}

	if raw := env.Getenv("LOG_LEVEL"); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}

	if raw := env.Getenv("LOG_FORMAT"); raw != "" {
		switch f := strings.ToLower(raw); f {
		case "text", "json":
			cfg.LogFormat = f
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT %q", raw)
		}
	}

	return cfg, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
