// Package http exposes the render service over gin: POST /render and
// POST /login run jobs, GET /health and GET /debug/pages report state.
//
// Task outcomes are always returned as a JSON result with status 200. Only
// jobs that never ran map to error statuses: 400 for invalid input, 503
// while shutting down or without a browser process, 500 for a crashed task.
package http
