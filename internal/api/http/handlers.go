package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/renderd/internal/render/manager"
	"github.com/GriffinCanCode/renderd/internal/render/task"
)

// Service is the part of *manager.Manager the handlers use.
type Service interface {
	Task(ctx context.Context, spec task.Spec) (task.Result, error)
	Healthy(ctx context.Context) bool
	Stats() manager.Stats
	Pages(ctx context.Context) map[string][]string
}

// Handlers contains all HTTP handlers
type Handlers struct {
	service   Service
	metrics   *monitoring.Metrics
	waitLimit time.Duration
	logger    *zap.Logger
}

// NewHandlers creates a new handler set. metrics may be nil. waitLimit caps
// the waitTime a request may ask for; zero applies utils.DefaultWaitLimit.
func NewHandlers(service Service, metrics *monitoring.Metrics, waitLimit time.Duration, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		service:   service,
		metrics:   metrics,
		waitLimit: waitLimit,
		logger:    logger.With(zap.String("component", "http")),
	}
}

// Register mounts the API routes on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/debug/pages", h.Pages)
	r.POST("/render", h.Render)
	r.POST("/login", h.Login)
}

// Root handles a liveness check
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "renderd",
	})
}

// Health reports 200 when the manager can take work and 503 otherwise.
func (h *Handlers) Health(c *gin.Context) {
	healthy := h.service.Healthy(c.Request.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	body := gin.H{
		"healthy": healthy,
		"tasks":   h.service.Stats(),
	}
	if h.metrics != nil {
		body["metrics"] = h.metrics.Snapshot()
	}
	c.JSON(status, body)
}

// Pages lists open page URLs per browser process.
func (h *Handlers) Pages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"processes": h.service.Pages(c.Request.Context())})
}

// Render runs a render job.
func (h *Handlers) Render(c *gin.Context) {
	var req RenderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec, err := req.spec(c.Request.Header, h.waitLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.run(c, spec)
}

// Login runs a login job.
func (h *Handlers) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	spec, err := req.spec(c.Request.Header, h.waitLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.run(c, spec)
}

func (h *Handlers) run(c *gin.Context, spec task.Spec) {
	res, err := h.service.Task(c.Request.Context(), spec)
	switch {
	case errors.Is(err, task.ErrInvalidSpec):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, manager.ErrStopping):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("task rejected", zap.String("url", spec.URL), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(statusFor(res), res)
}

// statusFor maps results of jobs that never reached a page to error
// statuses. Page-level failures are still a successful API call.
func statusFor(res task.Result) int {
	switch res.Error {
	case task.CodeProcessUnavailable:
		return http.StatusServiceUnavailable
	case task.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}
