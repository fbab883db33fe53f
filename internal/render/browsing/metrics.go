package browsing

import "time"

// Metrics are the page-level measurements of one context.
type Metrics struct {
	ContextCreation    time.Duration `json:"contextCreation"`
	Requests           int64         `json:"requests"`
	BlockedRequests    int64         `json:"blockedRequests"`
	ContentLength      int64         `json:"contentLength"`
	ContentLengthTotal int64         `json:"contentLengthTotal"`
	// Durations reported by the renderer, in seconds.
	LayoutDuration  float64 `json:"layoutDuration"`
	ScriptDuration  float64 `json:"scriptDuration"`
	TaskDuration    float64 `json:"taskDuration"`
	JSHeapUsedSize  int64   `json:"jsHeapUsedSize"`
	JSHeapTotalSize int64   `json:"jsHeapTotalSize"`
}
