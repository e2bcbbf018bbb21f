package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Manager ManagerConfig
	Monitor MonitorConfig
	Browser BrowserConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `envconfig:"HOST" default:"0.0.0.0"`
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"5m"`
	IdleTimeout  time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	// Per-client API request budget; zero disables throttling.
	RateLimitPerMinute int `envconfig:"API_RATE_LIMIT_PER_MINUTE" default:"600"`
	RateLimitBurst     int `envconfig:"API_RATE_LIMIT_BURST" default:"50"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// MonitorConfig holds resource sampling configuration.
type MonitorConfig struct {
	SampleInterval time.Duration `envconfig:"SAMPLE_INTERVAL" default:"5s"`
}

// BrowserConfig selects and configures the browsing backend.
type BrowserConfig struct {
	// Mode is one of "local" (launch Chrome on this host), "docker"
	// (run Chrome in a container) or "remote" (connect to ControlURL).
	Mode           string `envconfig:"BROWSER_MODE" default:"local"`
	ControlURL     string `envconfig:"BROWSER_CONTROL_URL"`
	Bin            string `envconfig:"BROWSER_BIN"`
	Headless       bool   `envconfig:"BROWSER_HEADLESS" default:"true"`
	ViewportWidth  int    `envconfig:"VIEWPORT_WIDTH" default:"1920"`
	ViewportHeight int    `envconfig:"VIEWPORT_HEIGHT" default:"1080"`
	DockerImage    string `envconfig:"DOCKER_IMAGE" default:"browserless/chrome:latest"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load reads an optional .env file and then the process environment.
// A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Manager.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Browser.Mode {
	case "local", "docker", "remote":
	default:
		return nil, fmt.Errorf("invalid BROWSER_MODE %q", cfg.Browser.Mode)
	}
	if cfg.Browser.Mode == "remote" && cfg.Browser.ControlURL == "" {
		return nil, errors.New("BROWSER_CONTROL_URL is required in remote mode")
	}
	return &cfg, nil
}
