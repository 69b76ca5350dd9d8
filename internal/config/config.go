package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerAddress string
	DatabaseURL   string
	JWTSecret     string
	TokenTTL      time.Duration
	AllowedOrigin string
	LogLevel      string

	Translate TranslateConfig
	Sync      SyncConfig
}

// TranslateConfig describes the translation provider and the local memo cache.
type TranslateConfig struct {
	URL         string
	APIKey      string
	RPS         float64
	Concurrency int
	CacheDir    string
	CacheMax    int
	CacheTTL    time.Duration
}

// Enabled reports whether a translation endpoint is configured.
func (c TranslateConfig) Enabled() bool {
	return c.URL != ""
}

type SyncConfig struct {
	PageSize      int
	TypingTimeout time.Duration
}

// Load reads the environment, after applying an optional .env file in the working directory.
func Load() (*Config, error) {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	dataDir := filepath.Join(cwd, "data")

	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite://"+filepath.Join(dataDir, "lingochat.db")),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://localhost:3000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Translate: TranslateConfig{
			URL:      getEnv("TRANSLATE_URL", ""),
			APIKey:   getEnv("TRANSLATE_API_KEY", ""),
			CacheDir: getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),
		},
	}

	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Translate.RPS, err = getFloat("TRANSLATE_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.Translate.Concurrency, err = getInt("TRANSLATE_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.Translate.CacheMax, err = getInt("CACHE_MAX_ENTRIES", 5000); err != nil {
		return nil, err
	}
	if cfg.Translate.CacheTTL, err = getDuration("CACHE_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Sync.PageSize, err = getInt("PAGE_SIZE", 20); err != nil {
		return nil, err
	}
	if cfg.Sync.TypingTimeout, err = getDuration("TYPING_TIMEOUT", 3*time.Second); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("invalid PAGE_SIZE value: %d", c.Sync.PageSize)
	}
	if c.Translate.Concurrency <= 0 {
		return fmt.Errorf("invalid TRANSLATE_CONCURRENCY value: %d", c.Translate.Concurrency)
	}
	return nil
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	if dbPath == ":memory:" || filepath.IsAbs(dbPath) {
		return dbPath
	}

	cwd, err := os.Getwd()
	if err != nil {
		return dbPath
	}
	return filepath.Join(cwd, dbPath)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}
