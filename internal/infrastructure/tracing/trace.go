package tracing

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/shared/id"
)

const (
	TraceHeader = "X-Trace-ID"
	SpanHeader  = "X-Span-ID"

	defaultBuffer = 1000
	defaultRecent = 256
)

// TraceID identifies a trace that may span several services.
type TraceID string

// SpanID identifies one operation within a trace.
type SpanID string

// Span is one timed operation, such as an HTTP request or a render task.
// A span belongs to the goroutine that started it until it is ended.
type Span struct {
	TraceID  TraceID           `json:"traceId"`
	SpanID   SpanID            `json:"spanId"`
	ParentID SpanID            `json:"parentId,omitempty"`
	Name     string            `json:"name"`
	Start    time.Time         `json:"start"`
	Duration time.Duration     `json:"duration"`
	Tags     map[string]string `json:"tags,omitempty"`
	Status   int               `json:"status,omitempty"`
	Err      string            `json:"error,omitempty"`
}

func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

func (s *Span) SetError(err error) {
	if err != nil {
		s.Err = err.Error()
	}
}

// SetStatus records an HTTP status or a page status code.
func (s *Span) SetStatus(code int) {
	s.Status = code
}

// Tracer logs finished spans and keeps the most recent ones in memory for
// the debug endpoint. Ending a span never blocks; spans are dropped when the
// queue is full.
type Tracer struct {
	logger *zap.Logger
	queue  chan *Span
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	recentMu sync.Mutex
	recent   []Span
	next     int
	filled   bool
}

// New starts a tracer.
func New(logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		logger: logger.With(zap.String("component", "tracing")),
		queue:  make(chan *Span, defaultBuffer),
		done:   make(chan struct{}),
		recent: make([]Span, defaultRecent),
	}
	go t.collect()
	return t
}

// StartSpan opens a child of the span in ctx, or a new trace root.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = TraceID(id.NewTraceID())
	}
	span := &Span{
		TraceID:  traceID,
		SpanID:   SpanID(id.NewSpanID()),
		ParentID: GetSpanID(ctx),
		Name:     name,
		Start:    time.Now(),
		Tags:     make(map[string]string),
	}
	return span, WithTraceContext(ctx, traceID, span.SpanID)
}

// End stamps the span's duration and queues it. Spans ended after Close
// are dropped.
func (t *Tracer) End(span *Span) {
	span.Duration = time.Since(span.Start)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- span:
	default:
		t.logger.Warn("span queue full, dropping span",
			zap.String("trace_id", string(span.TraceID)),
			zap.String("operation", span.Name))
	}
}

// Recent returns up to the last 256 finished spans, newest first.
func (t *Tracer) Recent() []Span {
	t.recentMu.Lock()
	defer t.recentMu.Unlock()

	n := t.next
	if t.filled {
		n = len(t.recent)
	}
	out := make([]Span, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, t.recent[(t.next-i+len(t.recent))%len(t.recent)])
	}
	return out
}

// Close drains queued spans and stops the collector. It is safe to call
// more than once.
func (t *Tracer) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()
	<-t.done
}

func (t *Tracer) collect() {
	defer close(t.done)
	for span := range t.queue {
		t.remember(span)
		t.log(span)
	}
}

func (t *Tracer) remember(span *Span) {
	t.recentMu.Lock()
	defer t.recentMu.Unlock()
	t.recent[t.next] = *span
	t.next = (t.next + 1) % len(t.recent)
	if t.next == 0 {
		t.filled = true
	}
}

func (t *Tracer) log(span *Span) {
	fields := []zap.Field{
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
	}
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	if span.Status != 0 {
		fields = append(fields, zap.Int("status", span.Status))
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String("tag."+k, v))
	}
	if span.Err != "" {
		t.logger.Warn("span completed with error", append(fields, zap.String("error", span.Err))...)
		return
	}
	t.logger.Debug("span completed", fields...)
}

// Extract reads an upstream trace from request headers.
func Extract(h http.Header) (TraceID, SpanID) {
	return TraceID(h.Get(TraceHeader)), SpanID(h.Get(SpanHeader))
}

type contextKey int

const (
	traceIDKey contextKey = iota
	spanIDKey
)

// WithTraceContext seeds ctx with a trace and the current span.
func WithTraceContext(ctx context.Context, traceID TraceID, span SpanID) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if span != "" {
		ctx = context.WithValue(ctx, spanIDKey, span)
	}
	return ctx
}

func GetTraceID(ctx context.Context) TraceID {
	traceID, _ := ctx.Value(traceIDKey).(TraceID)
	return traceID
}

func GetSpanID(ctx context.Context) SpanID {
	spanID, _ := ctx.Value(spanIDKey).(SpanID)
	return spanID
}
