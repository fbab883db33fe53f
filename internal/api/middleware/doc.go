// Package middleware provides the gin middleware in front of the render
// API: CORS and per-client rate limiting.
package middleware
