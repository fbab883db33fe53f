// Package config provides 12-factor configuration management for renderd.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Browser: Chrome binary, rolling replacement and timeouts
//   - Security: SSRF prefixes and forwardable headers
//   - Task: Wait bounds, unhealthy TTL and ignored resource types
//   - Adblock: Rule list location
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s\n", cfg.Server.Addr())
//
// List values such as SSRF_DENIED_PREFIXES and FORWARD_HEADERS are
// comma-separated.
package config
