/*
Package tracing records lightweight spans for HTTP requests and render
tasks. Finished spans go to the structured log and the most recent ones
are kept in memory for GET /debug/traces.

	tracer := tracing.New(logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "task.render")
	span.SetTag("task_id", spec.ID)
	defer tracer.End(span)

Trace context propagates through X-Trace-ID and X-Span-ID headers.
*/
package tracing
