// Package testutil starts a real Chrome-backed render stack for integration
// tests.
package testutil

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/renderd/internal/browser/chrome"
	"github.com/GriffinCanCode/renderd/internal/render/filter"
	"github.com/GriffinCanCode/renderd/internal/render/manager"
	"github.com/GriffinCanCode/renderd/internal/render/pool"
	"github.com/GriffinCanCode/renderd/internal/render/task"
	"github.com/GriffinCanCode/renderd/internal/security/ssrf"
)

// ChromePath returns CHROME_PATH or the first Chrome binary on PATH, and
// skips the test when none exists.
func ChromePath(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary found; set CHROME_PATH")
	return ""
}

// StackOptions tunes NewStack.
type StackOptions struct {
	// Allowed prefixes apply in relaxed mode only.
	Allowed   []string
	Relaxed   bool
	Threshold int64
}

// NewStack starts a pool on a real Chrome and returns a manager over it. The
// manager is stopped when the test ends.
func NewStack(t *testing.T, opts StackOptions) *manager.Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)

	allowed, err := ssrf.ParsePrefixes(opts.Allowed)
	require.NoError(t, err)
	validator := ssrf.New(ssrf.DefaultDenied(), allowed, opts.Relaxed)

	chromeOpts := chrome.DefaultOptions()
	chromeOpts.ExecPath = ChromePath(t)
	launcher := chrome.NewLauncher(chromeOpts, logger)

	poolOpts := pool.DefaultOptions()
	if opts.Threshold > 0 {
		poolOpts.Threshold = opts.Threshold
	}
	p := pool.New(launcher, poolOpts, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, p.Start(ctx))

	cfg := manager.DefaultConfig()
	cfg.DefaultWait = task.WaitTime{Max: 15 * time.Second}
	m := manager.New(p, cfg, manager.Deps{
		Filter: filter.New(validator, nil, nil, logger),
		Logger: logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}
