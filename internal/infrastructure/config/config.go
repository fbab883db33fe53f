package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/renderd/internal/security/ssrf"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Browser   BrowserConfig
	Security  SecurityConfig
	Task      TaskConfig
	Adblock   AdblockConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`

	// Compress gzips responses for clients that accept it.
	Compress bool `envconfig:"SERVER_COMPRESS" default:"true"`

	// CORSOrigins lists browser origins allowed to call the API.
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// BrowserConfig holds browser process and pool settings.
type BrowserConfig struct {
	// Path to the Chrome binary. Empty lets chromedp find one.
	Path              string        `envconfig:"BROWSER_PATH"`
	RollingThreshold  int64         `envconfig:"BROWSER_ROLLING_THRESHOLD" default:"200"`
	PageCreateTimeout time.Duration `envconfig:"BROWSER_PAGE_CREATE_TIMEOUT" default:"10s"`
	HealthTimeout     time.Duration `envconfig:"BROWSER_HEALTH_TIMEOUT" default:"2s"`
	DrainTimeout      time.Duration `envconfig:"BROWSER_DRAIN_TIMEOUT" default:"60s"`
	ViewportWidth     int           `envconfig:"BROWSER_VIEWPORT_WIDTH" default:"1280"`
	ViewportHeight    int           `envconfig:"BROWSER_VIEWPORT_HEIGHT" default:"800"`
	// DiskCacheSize is passed to Chrome in bytes.
	DiskCacheSize int `envconfig:"BROWSER_DISK_CACHE_SIZE" default:"1"`
}

// SecurityConfig holds SSRF filtering and header forwarding settings.
type SecurityConfig struct {
	// DeniedPrefixes defaults to the private, loopback and link-local ranges
	// when unset.
	DeniedPrefixes  []string `envconfig:"SSRF_DENIED_PREFIXES"`
	AllowedPrefixes []string `envconfig:"SSRF_ALLOWED_PREFIXES"`
	Relaxed         bool     `envconfig:"SSRF_RELAXED" default:"false"`
	ForwardHeaders  []string `envconfig:"FORWARD_HEADERS" default:"Cookie,Authorization"`
}

// TaskConfig holds task defaults.
type TaskConfig struct {
	UnhealthyTTL         time.Duration `envconfig:"TASK_UNHEALTHY_TTL" default:"120s"`
	MinWait              time.Duration `envconfig:"TASK_MIN_WAIT" default:"0s"`
	MaxWait              time.Duration `envconfig:"TASK_MAX_WAIT" default:"30s"`
	WaitLimit            time.Duration `envconfig:"TASK_WAIT_LIMIT" default:"60s"`
	Budget               time.Duration `envconfig:"TASK_BUDGET" default:"15s"`
	IgnoredResourceTypes []string      `envconfig:"TASK_IGNORED_RESOURCE_TYPES" default:"Image,Font"`
}

// AdblockConfig locates the ad-block rule list. Both may be empty.
type AdblockConfig struct {
	ListPath string `envconfig:"ADBLOCK_LIST_PATH"`
	ListURL  string `envconfig:"ADBLOCK_LIST_URL"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.Security.DeniedPrefixes) == 0 {
		cfg.Security.DeniedPrefixes = ssrf.DefaultDeniedStrings()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
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

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Browser.RollingThreshold <= 0 {
		errs = append(errs, errors.New("BROWSER_ROLLING_THRESHOLD must be positive"))
	}
	if c.Task.MaxWait <= 0 {
		errs = append(errs, errors.New("TASK_MAX_WAIT must be positive"))
	}
	if c.Task.MinWait < 0 || c.Task.MinWait > c.Task.MaxWait {
		errs = append(errs, errors.New("TASK_MIN_WAIT must be between 0 and TASK_MAX_WAIT"))
	}
	if c.Task.WaitLimit < c.Task.MaxWait {
		errs = append(errs, errors.New("TASK_WAIT_LIMIT must not be below TASK_MAX_WAIT"))
	}
	if c.Task.Budget <= 0 {
		errs = append(errs, errors.New("TASK_BUDGET must be positive"))
	}
	if _, err := ssrf.ParsePrefixes(c.Security.DeniedPrefixes); err != nil {
		errs = append(errs, fmt.Errorf("SSRF_DENIED_PREFIXES: %w", err))
	}
	if _, err := ssrf.ParsePrefixes(c.Security.AllowedPrefixes); err != nil {
		errs = append(errs, fmt.Errorf("SSRF_ALLOWED_PREFIXES: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8000",
			Host:        "0.0.0.0",
			Compress:    true,
			CORSOrigins: []string{"*"},
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Browser: BrowserConfig{
			RollingThreshold:  200,
			PageCreateTimeout: 10 * time.Second,
			HealthTimeout:     2 * time.Second,
			DrainTimeout:      60 * time.Second,
			ViewportWidth:     1280,
			ViewportHeight:    800,
			DiskCacheSize:     1,
		},
		Security: SecurityConfig{
			DeniedPrefixes: ssrf.DefaultDeniedStrings(),
			ForwardHeaders: []string{"Cookie", "Authorization"},
		},
		Task: TaskConfig{
			UnhealthyTTL:         120 * time.Second,
			MaxWait:              30 * time.Second,
			WaitLimit:            60 * time.Second,
			Budget:               15 * time.Second,
			IgnoredResourceTypes: []string{"Image", "Font"},
		},
	}
}
