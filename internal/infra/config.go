package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string

	GenerationBaseURL string
	GenerationAPIKey  string
	AuthTokenURL      string
	AuthRefreshToken  string

	MaxConcurrentJobs int
	StartCooldown     time.Duration
	GenerateCooldown  time.Duration

	DefaultLocale string
	GeoIPDBPath   string
	CORSOrigins   []string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from the environment (and an optional .env
// file) and applies defaults where needed.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env", ".env.local")

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GenerationBaseURL: os.Getenv("GENERATION_BASE_URL"),
		GenerationAPIKey:  os.Getenv("GENERATION_API_KEY"),
		AuthTokenURL:      os.Getenv("AUTH_TOKEN_URL"),
		AuthRefreshToken:  os.Getenv("AUTH_REFRESH_TOKEN"),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),
		StartCooldown:     time.Millisecond * time.Duration(getEnvInt("START_COOLDOWN_MS", 1000)),
		GenerateCooldown:  time.Millisecond * time.Duration(getEnvInt("GENERATE_COOLDOWN_MS", 5000)),

		DefaultLocale: getEnv("DEFAULT_LOCALE", "en"),
		GeoIPDBPath:   os.Getenv("GEOIP_DB_PATH"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 0)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.GenerationBaseURL == "" {
		return nil, fmt.Errorf("GENERATION_BASE_URL is required")
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
