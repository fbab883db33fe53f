package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/renderd/internal/security/ssrf"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.RateLimit.Enabled)

	assert.Equal(t, int64(200), cfg.Browser.RollingThreshold)
	assert.Equal(t, 10*time.Second, cfg.Browser.PageCreateTimeout)
	assert.Equal(t, ssrf.DefaultDeniedStrings(), cfg.Security.DeniedPrefixes)
	assert.False(t, cfg.Security.Relaxed)
	assert.Equal(t, []string{"Cookie", "Authorization"}, cfg.Security.ForwardHeaders)
	assert.Equal(t, 120*time.Second, cfg.Task.UnhealthyTTL)
	assert.Equal(t, 30*time.Second, cfg.Task.MaxWait)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                        "9000",
		"HOST":                        "127.0.0.1",
		"SERVER_COMPRESS":             "false",
		"CORS_ALLOWED_ORIGINS":        "https://a.example.com,https://b.example.com",
		"LOG_LEVEL":                   "debug",
		"LOG_DEV":                     "true",
		"RATE_LIMIT_RPS":              "500",
		"BROWSER_PATH":                "/usr/bin/chromium",
		"BROWSER_ROLLING_THRESHOLD":   "50",
		"BROWSER_DRAIN_TIMEOUT":       "5s",
		"SSRF_DENIED_PREFIXES":        "10.0.0.0/8,127.0.0.0/8",
		"SSRF_ALLOWED_PREFIXES":       "127.0.0.1",
		"SSRF_RELAXED":                "true",
		"FORWARD_HEADERS":             "Cookie",
		"TASK_UNHEALTHY_TTL":          "1m",
		"TASK_MIN_WAIT":               "500ms",
		"TASK_MAX_WAIT":               "10s",
		"TASK_WAIT_LIMIT":             "20s",
		"TASK_BUDGET":                 "5s",
		"TASK_IGNORED_RESOURCE_TYPES": "Image,Media,Font",
		"ADBLOCK_LIST_URL":            "https://lists.example.com/ads.txt",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr())
	assert.False(t, cfg.Server.Compress)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, "/usr/bin/chromium", cfg.Browser.Path)
	assert.Equal(t, int64(50), cfg.Browser.RollingThreshold)
	assert.Equal(t, 5*time.Second, cfg.Browser.DrainTimeout)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.0/8"}, cfg.Security.DeniedPrefixes)
	assert.Equal(t, []string{"127.0.0.1"}, cfg.Security.AllowedPrefixes)
	assert.True(t, cfg.Security.Relaxed)
	assert.Equal(t, []string{"Cookie"}, cfg.Security.ForwardHeaders)
	assert.Equal(t, time.Minute, cfg.Task.UnhealthyTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Task.MinWait)
	assert.Equal(t, 20*time.Second, cfg.Task.WaitLimit)
	assert.Equal(t, 5*time.Second, cfg.Task.Budget)
	assert.Equal(t, []string{"Image", "Media", "Font"}, cfg.Task.IgnoredResourceTypes)
	assert.Equal(t, "https://lists.example.com/ads.txt", cfg.Adblock.ListURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad duration", map[string]string{"TASK_MAX_WAIT": "soon"}},
		{"zero threshold", map[string]string{"BROWSER_ROLLING_THRESHOLD": "0"}},
		{"min above max", map[string]string{"TASK_MIN_WAIT": "40s"}},
		{"limit below max", map[string]string{"TASK_WAIT_LIMIT": "10s"}},
		{"zero budget", map[string]string{"TASK_BUDGET": "0s"}},
		{"bad prefix", map[string]string{"SSRF_DENIED_PREFIXES": "10.0.0.0/99"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)

			// LoadOrDefault falls back to defaults.
			assert.Equal(t, Default(), LoadOrDefault())
		})
	}
}

func TestRateLimitConfig(t *testing.T) {
	tests := []struct {
		name        string
		rps         string
		burst       string
		enabled     string
		wantRPS     int
		wantBurst   int
		wantEnabled bool
	}{
		{"default values", "", "", "", 100, 200, true},
		{"high limits", "1000", "2000", "", 1000, 2000, true},
		{"disabled", "", "", "false", 100, 200, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.rps != "" {
				t.Setenv("RATE_LIMIT_RPS", tt.rps)
			}
			if tt.burst != "" {
				t.Setenv("RATE_LIMIT_BURST", tt.burst)
			}
			if tt.enabled != "" {
				t.Setenv("RATE_LIMIT_ENABLED", tt.enabled)
			}

			cfg := LoadOrDefault()

			assert.Equal(t, tt.wantRPS, cfg.RateLimit.RequestsPerSecond)
			assert.Equal(t, tt.wantBurst, cfg.RateLimit.Burst)
			assert.Equal(t, tt.wantEnabled, cfg.RateLimit.Enabled)
		})
	}
}
