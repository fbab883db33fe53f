package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/renderd/internal/render/task"
)

const namespace = "renderd"

// Metrics holds all Prometheus metrics. It implements manager.Telemetry.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Task metrics
	TasksInFlight    prometheus.Gauge
	TaskDuration     *prometheus.HistogramVec
	GotoDuration     *prometheus.HistogramVec
	SerializeSeconds prometheus.Histogram
	PageContentBytes prometheus.Histogram

	// Browser metrics
	ContextCreation  prometheus.Histogram
	Resources        *prometheus.CounterVec
	BrowserLaunches  *prometheus.CounterVec
	LaunchDuration   prometheus.Histogram
	RetiredTotal     prometheus.Counter
	RetiredTaskCount prometheus.Histogram

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once

	// Snapshot for the JSON health endpoint
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current values for the JSON API.
type Snapshot struct {
	TotalRequests int64            `json:"totalRequests"`
	TotalErrors   int64            `json:"totalErrors"`
	Tasks         int64            `json:"tasks"`
	Outcomes      map[string]int64 `json:"outcomes"`
	Launches      int64            `json:"launches"`
	Retirements   int64            `json:"retirements"`
	Uptime        float64          `json:"uptimeSeconds"`
}

var taskBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60}

// NewMetrics registers the collectors on reg. A nil reg uses the default
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		done:      make(chan struct{}),
		snapshot:  Snapshot{Outcomes: make(map[string]int64)},

		// HTTP metrics
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   taskBuckets,
			},
			[]string{"method", "path"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(1000, 4, 8),
			},
			[]string{"method", "path"},
		),

		// Task metrics
		TasksInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_flight",
				Help:      "Number of tasks currently processing",
			},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Total task duration in seconds",
				Buckets:   taskBuckets,
			},
			[]string{"kind", "outcome"},
		),
		GotoDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "navigation_duration_seconds",
				Help:      "Navigation duration in seconds",
				Buckets:   taskBuckets,
			},
			[]string{"outcome"},
		),
		SerializeSeconds: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "serialize_duration_seconds",
				Help:      "DOM serialization duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		PageContentBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_content_bytes",
				Help:      "Bytes loaded per page including subresources",
				Buckets:   prometheus.ExponentialBuckets(1000, 4, 10),
			},
		),

		// Browser metrics
		ContextCreation: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "context_creation_seconds",
				Help:      "Browsing context creation duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		Resources: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Requests seen by the interception pipeline",
			},
			[]string{"type", "verdict"},
		),
		BrowserLaunches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browser_launches_total",
				Help:      "Browser process launches",
			},
			[]string{"status"},
		),
		LaunchDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "browser_launch_seconds",
				Help:      "Browser launch and smoke test duration in seconds",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		RetiredTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browser_retired_total",
				Help:      "Browser processes retired by rolling replacement",
			},
		),
		RetiredTaskCount: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "browser_retired_tasks",
				Help:      "Tasks served by a browser process before retirement",
				Buckets:   prometheus.LinearBuckets(50, 50, 8),
			},
		),

		// System metrics
		Uptime: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Service uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Uptime.Set(time.Since(m.startTime).Seconds())
		case <-m.done:
			return
		}
	}
}

// Close stops the uptime updater.
func (m *Metrics) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// ContextCreated implements browsing.Recorder.
func (m *Metrics) ContextCreated(d time.Duration) {
	m.ContextCreation.Observe(d.Seconds())
}

// Resource implements browsing.Recorder.
func (m *Metrics) Resource(resourceType string, blocked bool) {
	verdict := "allowed"
	if blocked {
		verdict = "blocked"
	}
	if resourceType == "" {
		resourceType = "Other"
	}
	m.Resources.WithLabelValues(resourceType, verdict).Inc()
}

// BrowserLaunched implements pool.Events.
func (m *Metrics) BrowserLaunched(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BrowserLaunches.WithLabelValues(status).Inc()
	m.LaunchDuration.Observe(d.Seconds())

	m.mu.Lock()
	m.snapshot.Launches++
	m.mu.Unlock()
}

// BrowserRetired implements pool.Events.
func (m *Metrics) BrowserRetired(served int64) {
	m.RetiredTotal.Inc()
	m.RetiredTaskCount.Observe(float64(served))

	m.mu.Lock()
	m.snapshot.Retirements++
	m.mu.Unlock()
}

func (m *Metrics) TaskStarted(task.Kind) {
	m.TasksInFlight.Inc()
}

// TaskFinished records the per-stage timings of a finished task.
func (m *Metrics) TaskFinished(kind task.Kind, outcome string, metrics task.Metrics) {
	m.TasksInFlight.Dec()
	m.TaskDuration.WithLabelValues(string(kind), outcome).Observe(metrics.Total.Seconds())
	if metrics.Goto > 0 {
		m.GotoDuration.WithLabelValues(outcome).Observe(metrics.Goto.Seconds())
	}
	if metrics.Serialize > 0 {
		m.SerializeSeconds.Observe(metrics.Serialize.Seconds())
	}
	if metrics.Page.ContentLengthTotal > 0 {
		m.PageContentBytes.Observe(float64(metrics.Page.ContentLengthTotal))
	}

	m.mu.Lock()
	m.snapshot.Tasks++
	m.snapshot.Outcomes[outcome]++
	m.mu.Unlock()
}
