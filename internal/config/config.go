package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the etlgate server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Queue     QueueConfig
	Artifacts ArtifactConfig
	Reaper    ReaperConfig
}

type ServerConfig struct {
	Port          int
	Env           string
	LogLevel      slog.Level
	PublicBaseURL string
}

type DatabaseConfig struct {
	URL              string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
	ApplicationName  string
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret       string
	RateLimitPerMin int
}

type QueueConfig struct {
	LivenessWindow time.Duration
	PayloadPolicy  string
}

type ArtifactConfig struct {
	MaxBytes int64
}

type ReaperConfig struct {
	Enabled  bool
	Interval time.Duration
	Grace    time.Duration
}

var validPolicies = map[string]bool{
	"none":    true,
	"legacy":  true,
	"current": true,
}

const minJWTSecretLen = 16

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	port := envInt("ETLGATE_PORT", 8080)
	cfg := &Config{
		Server: ServerConfig{
			Port:          port,
			Env:           envString("ETLGATE_ENV", "development"),
			LogLevel:      envLevel("LOG_LEVEL", slog.LevelInfo),
			PublicBaseURL: strings.TrimRight(envString("PUBLIC_BASE_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			// bounds every query, including the claim UPDATE under row contention
			StatementTimeout: envDuration("DATABASE_STATEMENT_TIMEOUT", 30*time.Second),
			ApplicationName:  "etlgate",
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret:       os.Getenv("JWT_SECRET"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 600),
		},
		Queue: QueueConfig{
			LivenessWindow: envDurationSecs("LIVENESS_WINDOW_SECS", 120*time.Second),
			PayloadPolicy:  envString("PAYLOAD_POLICY", "none"),
		},
		Artifacts: ArtifactConfig{
			MaxBytes: int64(envInt("ARTIFACT_MAX_BYTES", 32<<20)),
		},
		Reaper: ReaperConfig{
			Enabled:  envBool("REAPER_ENABLED", false),
			Interval: envDuration("REAPER_INTERVAL", time.Minute),
			Grace:    envDuration("REAPER_GRACE", 5*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_OPEN_CONNS must be positive")
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("DATABASE_STATEMENT_TIMEOUT must not be negative")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Auth.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}

	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		return fmt.Errorf("PUBLIC_BASE_URL must start with http:// or https://, got %q", c.Server.PublicBaseURL)
	}

	if !validPolicies[c.Queue.PayloadPolicy] {
		return fmt.Errorf("PAYLOAD_POLICY must be one of none, legacy, current; got %q", c.Queue.PayloadPolicy)
	}

	if c.Queue.LivenessWindow <= 0 {
		return fmt.Errorf("LIVENESS_WINDOW_SECS must be positive")
	}

	if c.Artifacts.MaxBytes <= 0 {
		return fmt.Errorf("ARTIFACT_MAX_BYTES must be positive")
	}

	if c.Reaper.Enabled && c.Reaper.Interval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL must be positive when REAPER_ENABLED is set")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
