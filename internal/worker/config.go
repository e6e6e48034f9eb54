package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent configuration, read from a YAML file. ETLGATE_GATEWAY_URL
// and ETLGATE_AGENT_KEY override the file so keys can stay out of it.
type Config struct {
	GatewayURL        string        `yaml:"gateway_url"`
	AgentKey          string        `yaml:"agent_key"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	LogLevel          string        `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      5 * time.Second,
		MaxConcurrentJobs: 1,
		JobTimeout:        5 * time.Minute,
		RequestTimeout:    30 * time.Second,
		LogLevel:          "info",
	}
}

// LoadConfig reads path, applies defaults and env overrides, and validates the
// result. A missing file is allowed when the environment supplies the rest.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read agent config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return nil, fmt.Errorf("parse agent config %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("ETLGATE_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("ETLGATE_AGENT_KEY"); v != "" {
		cfg.AgentKey = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if !strings.HasPrefix(c.GatewayURL, "http://") && !strings.HasPrefix(c.GatewayURL, "https://") {
		return fmt.Errorf("gateway_url must start with http:// or https://, got %q", c.GatewayURL)
	}
	if !strings.HasPrefix(c.AgentKey, "ak_") {
		return fmt.Errorf("agent_key is required and must start with ak_")
	}
	if c.HeartbeatInterval <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("heartbeat_interval and poll_interval must be positive")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job_timeout must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level %q is invalid", c.LogLevel)
	}
	return lvl, nil
}
