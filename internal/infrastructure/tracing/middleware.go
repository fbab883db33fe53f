package tracing

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// HTTPMiddleware opens a span per request, continuing an upstream trace
// when the caller sent one, and echoes the IDs in the response headers.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID, parent := Extract(c.Request.Header)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		span, ctx := tracer.StartSpan(WithTraceContext(c.Request.Context(), traceID, parent), c.Request.Method+" "+route)
		span.SetTag("http.path", c.Request.URL.Path)
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, string(span.TraceID))
		c.Header(SpanHeader, string(span.SpanID))

		c.Next()

		status := c.Writer.Status()
		span.SetStatus(status)
		span.SetTag("http.status", strconv.Itoa(status))
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		} else if status >= http.StatusInternalServerError {
			span.SetTag("error", http.StatusText(status))
		}
		tracer.End(span)
	}
}

// RecentHandler serves the tracer's recent spans as JSON.
func RecentHandler(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"spans": tracer.Recent()})
	}
}
