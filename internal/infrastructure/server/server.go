package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/adblock"
	api "github.com/GriffinCanCode/renderd/internal/api/http"
	"github.com/GriffinCanCode/renderd/internal/api/middleware"
	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/browser/chrome"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/config"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/renderd/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/renderd/internal/render/filter"
	"github.com/GriffinCanCode/renderd/internal/render/manager"
	"github.com/GriffinCanCode/renderd/internal/render/pool"
	"github.com/GriffinCanCode/renderd/internal/render/task"
	"github.com/GriffinCanCode/renderd/internal/security/ssrf"
)

const adblockRefreshTimeout = 2 * time.Minute

// Options overrides collaborators, mainly for tests.
type Options struct {
	// Launcher defaults to a Chrome launcher built from the config.
	Launcher browser.Launcher
	// Registerer defaults to the global Prometheus registry.
	Registerer prometheus.Registerer
	Logger     *logging.Logger
}

// Server wraps the HTTP server and dependencies
type Server struct {
	handler http.Handler
	http    *http.Server
	pool    *pool.Pool
	manager *manager.Manager
	adblock *adblock.Matcher
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	logger  *logging.Logger
	config  *config.Config

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer wires every component. Nothing is launched until Start.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.FromLevel(cfg.Logging.Level, cfg.Logging.Development)
	}

	logger.Info("Initializing renderd",
		zap.String("addr", cfg.Server.Addr()),
		zap.Int64("rolling_threshold", cfg.Browser.RollingThreshold),
		zap.Bool("ssrf_relaxed", cfg.Security.Relaxed),
	)

	metrics := monitoring.NewMetrics(opts.Registerer)
	tracer := tracing.New(logger.Logger)
	telemetry := manager.SafeTelemetry(metrics, logger.Logger)

	denied, err := ssrf.ParsePrefixes(cfg.Security.DeniedPrefixes)
	if err != nil {
		return nil, fmt.Errorf("denied prefixes: %w", err)
	}
	allowed, err := ssrf.ParsePrefixes(cfg.Security.AllowedPrefixes)
	if err != nil {
		return nil, fmt.Errorf("allowed prefixes: %w", err)
	}
	validator := ssrf.New(denied, allowed, cfg.Security.Relaxed)

	blocklist := adblock.NewMatcher()
	if cfg.Adblock.ListPath != "" {
		loaded, err := adblock.Load(cfg.Adblock.ListPath)
		if err != nil {
			return nil, fmt.Errorf("load adblock list: %w", err)
		}
		blocklist = loaded
		logger.Info("Loaded adblock list", zap.String("path", cfg.Adblock.ListPath), zap.Int("rules", blocklist.Len()))
	}

	requestFilter := filter.New(validator, blocklist, cfg.Task.IgnoredResourceTypes, logger.Logger)

	launcher := opts.Launcher
	if launcher == nil {
		chromeOpts := chrome.DefaultOptions()
		chromeOpts.ExecPath = cfg.Browser.Path
		chromeOpts.DiskCacheSize = cfg.Browser.DiskCacheSize
		launcher = chrome.NewLauncher(chromeOpts, logger.Logger)
	}

	poolOpts := pool.DefaultOptions()
	poolOpts.Threshold = cfg.Browser.RollingThreshold
	poolOpts.DrainTimeout = cfg.Browser.DrainTimeout
	poolOpts.Process.PageCreateTimeout = cfg.Browser.PageCreateTimeout
	poolOpts.Process.HealthTimeout = cfg.Browser.HealthTimeout
	browserPool := pool.New(launcher, poolOpts, telemetry, logger.Logger)

	taskManager := manager.New(browserPool, manager.Config{
		UnhealthyTTL:   cfg.Task.UnhealthyTTL,
		DefaultWait:    task.WaitTime{Min: cfg.Task.MinWait, Max: cfg.Task.MaxWait},
		WaitLimit:      cfg.Task.WaitLimit,
		Budget:         cfg.Task.Budget,
		ForwardHeaders: cfg.Security.ForwardHeaders,
		Viewport: browser.PageOptions{
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
		},
	}, manager.Deps{
		Filter:    requestFilter,
		Telemetry: telemetry,
		Tracer:    tracer,
		Logger:    logger.Logger,
	})

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	api.NewHandlers(taskManager, metrics, cfg.Task.WaitLimit, logger.Logger).Register(router)

	gatherer := prometheus.DefaultGatherer
	if g, ok := opts.Registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}
	router.GET("/debug/traces", tracing.RecentHandler(tracer))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	bgCtx, bgCancel := context.WithCancel(context.Background())

	var handler http.Handler = router
	if cfg.Server.Compress {
		handler = gzhttp.GzipHandler(router)
	}

	return &Server{
		handler: handler,
		http:    &http.Server{Addr: cfg.Server.Addr(), Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		pool:    browserPool,
		manager: taskManager,
		adblock: blocklist,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
		config:  cfg,

		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}, nil
}

// Handler exposes the root handler, compression included.
func (s *Server) Handler() http.Handler { return s.handler }

// Manager exposes the task manager.
func (s *Server) Manager() *manager.Manager { return s.manager }

// Start launches the first browser process and begins loading a remote
// adblock list in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("start browser pool: %w", err)
	}

	if url := s.config.Adblock.ListURL; url != "" {
		go func() {
			ctx, cancel := context.WithTimeout(s.bgCtx, adblockRefreshTimeout)
			defer cancel()
			if err := adblock.NewFetcher().Refresh(ctx, s.adblock, url); err != nil {
				s.logger.Warn("Failed to download adblock list", zap.String("url", url), zap.Error(err))
				return
			}
			s.logger.Info("Loaded adblock list", zap.String("url", url), zap.Int("rules", s.adblock.Len()))
		}()
	}
	return nil
}

// Run serves HTTP until Shutdown.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then lets in-flight tasks finish
// before stopping the browser pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	s.bgCancel()

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.manager.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop task manager: %w", err))
	}

	s.tracer.Close()
	s.metrics.Close()
	_ = s.logger.Sync()
	return errors.Join(errs...)
}
