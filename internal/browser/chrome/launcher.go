package chrome

import (
	"context"
	"fmt"
	"strconv"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
)

// Options configures the Chrome binary and its command line.
type Options struct {
	ExecPath      string
	Headless      bool
	DiskCacheSize int
	// ExtraFlags are appended after the hardened defaults.
	ExtraFlags map[string]any
}

// DefaultOptions returns the hardened flag set used in containers.
func DefaultOptions() Options {
	return Options{
		Headless:      true,
		DiskCacheSize: 1,
	}
}

// Launcher starts Chrome processes through chromedp's exec allocator.
type Launcher struct {
	opts   Options
	logger *zap.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(opts Options, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		opts:   opts,
		logger: logger.With(zap.String("component", "chrome_launcher")),
	}
}

// flags is the hardened command line layered over chromedp's defaults.
// ExtraFlags win over the built-in values.
func (l *Launcher) flags() map[string]any {
	cache := strconv.Itoa(l.opts.DiskCacheSize)
	flags := map[string]any{
		"headless": l.opts.Headless,

		// No sandbox inside a container; the container is the sandbox.
		"no-sandbox":                       true,
		"disable-gpu":                      true,
		"no-first-run":                     true,
		"no-default-browser-check":         true,
		"disable-dev-shm-usage":            true,
		"disk-cache-size":                  cache,
		"media-cache-size":                 cache,
		"disable-application-cache":        true,
		"disable-background-networking":    true,
		"disable-default-apps":             true,
		"disable-extensions":               true,
		"disable-sync":                     true,
		"disable-translate":                true,
		"mute-audio":                       true,
		"hide-scrollbars":                  true,
		"safebrowsing-disable-auto-update": true,
	}
	for name, value := range l.opts.ExtraFlags {
		flags[name] = value
	}
	return flags
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for name, value := range l.flags() {
		opts = append(opts, chromedp.Flag(name, value))
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	return opts
}

// Launch starts a new Chrome process. ctx bounds the launch only; the
// process lives until Engine.Close.
func (l *Launcher) Launch(ctx context.Context) (browser.Engine, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			l.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	stop := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopped := stop()

	if err != nil || !stopped {
		browserCancel()
		allocCancel()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	l.logger.Debug("chrome started")
	return newEngine(allocCancel, browserCtx, browserCancel, l.logger), nil
}
