package manager

import (
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/render/browsing"
	"github.com/GriffinCanCode/renderd/internal/render/pool"
	"github.com/GriffinCanCode/renderd/internal/render/task"
)

// Telemetry is the metrics sink for tasks, browsing contexts and the pool.
type Telemetry interface {
	browsing.Recorder
	pool.Events
	TaskStarted(kind task.Kind)
	TaskFinished(kind task.Kind, outcome string, metrics task.Metrics)
}

type nopTelemetry struct{}

func (nopTelemetry) ContextCreated(time.Duration)                 {}
func (nopTelemetry) Resource(string, bool)                        {}
func (nopTelemetry) BrowserLaunched(time.Duration, error)         {}
func (nopTelemetry) BrowserRetired(int64)                         {}
func (nopTelemetry) TaskStarted(task.Kind)                        {}
func (nopTelemetry) TaskFinished(task.Kind, string, task.Metrics) {}

// safeTelemetry swallows panics from the wrapped sink.
type safeTelemetry struct {
	next   Telemetry
	logger *zap.Logger
}

// SafeTelemetry wraps t so that a failing sink never affects a task. A nil
// t yields a no-op sink.
func SafeTelemetry(t Telemetry, logger *zap.Logger) Telemetry {
	if t == nil {
		return nopTelemetry{}
	}
	if s, ok := t.(*safeTelemetry); ok {
		return s
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &safeTelemetry{next: t, logger: logger.With(zap.String("component", "telemetry"))}
}

func (s *safeTelemetry) guard(call string) {
	if r := recover(); r != nil {
		s.logger.Warn("telemetry sink panicked", zap.String("call", call), zap.Any("panic", r))
	}
}

func (s *safeTelemetry) ContextCreated(d time.Duration) {
	defer s.guard("context_created")
	s.next.ContextCreated(d)
}

func (s *safeTelemetry) Resource(resourceType string, blocked bool) {
	defer s.guard("resource")
	s.next.Resource(resourceType, blocked)
}

func (s *safeTelemetry) BrowserLaunched(d time.Duration, err error) {
	defer s.guard("browser_launched")
	s.next.BrowserLaunched(d, err)
}

func (s *safeTelemetry) BrowserRetired(served int64) {
	defer s.guard("browser_retired")
	s.next.BrowserRetired(served)
}

func (s *safeTelemetry) TaskStarted(kind task.Kind) {
	defer s.guard("task_started")
	s.next.TaskStarted(kind)
}

func (s *safeTelemetry) TaskFinished(kind task.Kind, outcome string, metrics task.Metrics) {
	defer s.guard("task_finished")
	s.next.TaskFinished(kind, outcome, metrics)
}
