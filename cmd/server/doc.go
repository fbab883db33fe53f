// Package main is the entry point for renderd, a headless Chrome render
// service.
//
// renderd loads pages in isolated browser contexts and returns the
// rendered DOM, response headers and cookies. Requests to private
// addresses are blocked, and browser processes are replaced after a fixed
// number of tasks.
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -browser /usr/bin/chromium
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown. HTTP stops first, in-flight
//     tasks finish, then browser processes are stopped.
package main
