package task

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/render/browsing"
)

const metricsTimeout = 2 * time.Second

// Process runs the task on a fresh browsing context opened on source. The
// context is always closed before Process returns, and timing and page
// metrics are attached to every result. Work that outlives the spec's
// deadline is reported as a timeout.
func (t *Task) Process(ctx context.Context, source browsing.PageSource, opts browsing.Options) (res Result) {
	start := time.Now()
	defer func() {
		res.Metrics.Total = time.Since(start)
		t.setState(StateDone)
	}()

	taskCtx, cancel := context.WithTimeout(ctx, t.spec.Deadline())
	defer cancel()

	res = t.process(taskCtx, source, opts, start)
	if expired(taskCtx, ctx) && res.Error != "" && res.Error != CodeUnsafeRedirect {
		t.logger.Info("task exceeded its deadline",
			zap.Duration("deadline", t.spec.Deadline()),
			zap.String("state", t.State().String()),
			zap.String("error", res.Error))
		return Result{Timeout: true, Metrics: res.Metrics}
	}
	return res
}

// expired reports whether taskCtx hit its own deadline while the caller's
// context was still live.
func expired(taskCtx, parent context.Context) bool {
	return errors.Is(taskCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil
}

func (t *Task) process(ctx context.Context, source browsing.PageSource, opts browsing.Options, start time.Time) (res Result) {
	bc, err := browsing.Open(ctx, source, opts)
	if err != nil {
		t.logger.Warn("failed to create browsing context", zap.Error(err))
		if errors.Is(err, browser.ErrProcessStopping) || errors.Is(err, browser.ErrProcessNotReady) {
			return Failure(CodeProcessUnavailable)
		}
		return Failure(CodeContextCreateFailed)
	}
	defer bc.Close()
	defer func() {
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsTimeout)
		defer cancel()
		res.Metrics.Page = bc.Metrics(mctx)
	}()
	t.setState(StateContextCreated)

	link := browsing.Link{
		URL:       t.spec.URL,
		UserAgent: t.spec.UserAgent,
		Headers:   t.spec.Headers,
		Adblock:   t.spec.Adblock,
	}
	if err := bc.LinkTask(ctx, link); err != nil {
		t.logger.Warn("failed to link task", zap.Error(err))
		return Failure(CodeContextCreateFailed)
	}

	t.setState(StateNavigating)
	gotoStart := time.Now()
	resp, err := bc.Navigate(ctx, t.spec.URL, t.spec.WaitTime.Max)
	res.Metrics.Goto = time.Since(gotoStart)
	if failed, ok := t.checkNavigation(resp, err); !ok {
		failed.Metrics = res.Metrics
		return failed
	}

	if t.spec.Kind == KindLogin {
		return t.login(ctx, bc, start, res.Metrics)
	}
	return t.finish(ctx, bc, resp, start, res.Metrics)
}

// checkNavigation maps a navigation outcome to a terminal result. ok is
// false when processing must stop.
func (t *Task) checkNavigation(resp *browser.Response, err error) (Result, bool) {
	switch {
	case errors.Is(err, browser.ErrNavigationTimeout):
		t.logger.Info("navigation timed out", zap.Duration("max_wait", t.spec.WaitTime.Max))
		return Result{Timeout: true}, false
	case err != nil:
		t.logger.Warn("navigation failed", zap.Error(err))
		return Failure(CodeNavigationFailed), false
	case resp == nil:
		t.logger.Info("navigation produced no response")
		return Failure(CodeNoResponse), false
	}
	return Result{}, true
}

// finish waits out the minimum wait after a successful status and
// serializes the page.
func (t *Task) finish(ctx context.Context, bc *browsing.Context, resp *browser.Response, start time.Time, metrics Metrics) Result {
	res := Result{
		StatusCode: resp.Status,
		Headers:    lowerKeys(resp.Headers),
		Metrics:    metrics,
	}

	if resp.Status >= 200 && resp.Status < 300 && t.spec.WaitTime.Min > 0 {
		t.setState(StateMinWaitPending)
		waitStart := time.Now()
		if err := sleep(ctx, t.spec.WaitTime.Min-time.Since(start)); err != nil {
			return Result{Error: CodeInternal, Metrics: res.Metrics}
		}
		res.Metrics.MinWait = time.Since(waitStart)
	}

	t.setState(StateSerializing)
	serializeStart := time.Now()
	html, err := bc.Serialize(ctx, resp.URL)
	res.Metrics.Serialize = time.Since(serializeStart)
	switch {
	case errors.Is(err, browsing.ErrUnsafeRedirect):
		return Result{StatusCode: resp.Status, Error: CodeUnsafeRedirect, Metrics: res.Metrics}
	case err != nil:
		t.logger.Warn("serialization failed", zap.Error(err))
		return Result{Error: CodeSerializeFailed, Metrics: res.Metrics}
	}

	if t.spec.StripScripts {
		stripped, err := stripScripts(html)
		if err != nil {
			t.logger.Warn("failed to strip scripts", zap.Error(err))
			return Result{Error: CodeSerializeFailed, Metrics: res.Metrics}
		}
		html = stripped
	}

	res.Body = html
	res.ResolvedURL = resp.URL
	return res
}

// sleep waits for d, returning early with ctx's error.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func lowerKeys(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		k = strings.ToLower(k)
		if prev, ok := out[k]; ok {
			v = prev + ", " + v
		}
		out[k] = v
	}
	return out
}
