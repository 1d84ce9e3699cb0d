package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Builder   BuilderConfig
	CDN       CDNConfig
	Timeouts  TimeoutConfig
	Sandbox   SandboxConfig
	Sessions  SessionConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
	// SeedDir is a sample directory new sessions start from when a
	// request brings no files
	SeedDir     string   `envconfig:"SEED_DIR"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"*"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for apply requests.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"10"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"20"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// BuilderConfig controls resolution and compilation.
type BuilderConfig struct {
	CDNBase string `envconfig:"CDN_BASE" default:"https://esm.sh"`
	// Pins fixes versions of unversioned imports, e.g. "react:18.3.1,three:0.160.0"
	Pins            map[string]string `envconfig:"CDN_PINS"`
	CDNQuery        string            `envconfig:"CDN_QUERY"`
	Target          string            `envconfig:"BUILD_TARGET" default:"es2020"`
	JSXImportSource string            `envconfig:"JSX_IMPORT_SOURCE" default:"react"`
	Entry           string            `envconfig:"BUILD_ENTRY"`
}

// CDNConfig tunes module downloads inside the sandbox.
type CDNConfig struct {
	Timeout   time.Duration `envconfig:"CDN_TIMEOUT" default:"15s"`
	Retries   int           `envconfig:"CDN_RETRIES" default:"2"`
	RateLimit float64       `envconfig:"CDN_RATE_LIMIT" default:"50"`
	CacheSize int           `envconfig:"CDN_CACHE_SIZE" default:"512"`
}

// TimeoutConfig bounds each stage.
type TimeoutConfig struct {
	Build  time.Duration `envconfig:"BUILD_TIMEOUT" default:"30s"`
	Load   time.Duration `envconfig:"LOAD_TIMEOUT" default:"10s"`
	Script time.Duration `envconfig:"SCRIPT_TIMEOUT" default:"2s"`
}

// SandboxConfig describes the preview frame.
type SandboxConfig struct {
	Width      float64 `envconfig:"VIEWPORT_WIDTH" default:"800"`
	Height     float64 `envconfig:"VIEWPORT_HEIGHT" default:"600"`
	LineHeight float64 `envconfig:"LINE_HEIGHT" default:"20"`
	Console    bool    `envconfig:"SANDBOX_CONSOLE" default:"true"`
}

// SessionConfig bounds live sessions.
type SessionConfig struct {
	Size int           `envconfig:"SESSION_LIMIT" default:"64"`
	TTL  time.Duration `envconfig:"SESSION_TTL" default:"30m"`
}

// Load reads a .env file if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host:        "0.0.0.0",
			CORSOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
			Enabled:           true,
		},
		Builder: BuilderConfig{
			CDNBase:         "https://esm.sh",
			Target:          "es2020",
			JSXImportSource: "react",
		},
		CDN: CDNConfig{
			Timeout:   15 * time.Second,
			Retries:   2,
			RateLimit: 50,
			CacheSize: 512,
		},
		Timeouts: TimeoutConfig{
			Build:  30 * time.Second,
			Load:   10 * time.Second,
			Script: 2 * time.Second,
		},
		Sandbox: SandboxConfig{
			Width:      800,
			Height:     600,
			LineHeight: 20,
			Console:    true,
		},
		Sessions: SessionConfig{
			Size: 64,
			TTL:  30 * time.Minute,
		},
	}
}

// Addr is the listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
