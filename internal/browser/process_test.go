package browser_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/browser/browsertest"
)

func fastOptions() browser.ProcessOptions {
	return browser.ProcessOptions{
		PageCreateTimeout: 50 * time.Millisecond,
		HealthTimeout:     50 * time.Millisecond,
		SmokeTestTimeout:  time.Second,
	}
}

func startedProcess(t *testing.T, launcher *browsertest.Launcher) *browser.Process {
	t.Helper()
	p := browser.NewProcess(launcher, fastOptions(), nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestProcessStart(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := browser.NewProcess(launcher, fastOptions(), nil)

	assert.False(t, p.Ready())
	require.NoError(t, p.Start(context.Background()))
	assert.True(t, p.Ready())
	assert.False(t, p.Failed())
	assert.NotEmpty(t, p.ID())

	engines := launcher.Launched()
	require.Len(t, engines, 1)

	// The smoke test page is opened and closed again.
	pages := engines[0].AllPages()
	require.Len(t, pages, 1)
	assert.True(t, pages[0].Closed())
}

func TestProcessStartFailures(t *testing.T) {
	tests := []struct {
		name     string
		launcher *browsertest.Launcher
	}{
		{
			name:     "launch error",
			launcher: &browsertest.Launcher{Err: errors.New("no chrome")},
		},
		{
			name: "smoke test navigation error",
			launcher: &browsertest.Launcher{NewEngine: func() *browsertest.Engine {
				return &browsertest.Engine{NewPageFunc: func() *browsertest.Page {
					p := browsertest.NewPage()
					p.NavigateErr = errors.New("crashed")
					return p
				}}
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := browser.NewProcess(tt.launcher, fastOptions(), nil)
			err := p.Start(context.Background())

			require.Error(t, err)
			assert.False(t, p.Ready())
			assert.True(t, p.Failed())
			for _, e := range tt.launcher.Launched() {
				assert.True(t, e.Closed())
			}
		})
	}
}

func TestProcessNewPage(t *testing.T) {
	p := startedProcess(t, &browsertest.Launcher{})

	page, err := p.NewPage(context.Background(), browser.PageOptions{})
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.False(t, p.Stopping())
}

func TestProcessNewPageBeforeReady(t *testing.T) {
	p := browser.NewProcess(&browsertest.Launcher{}, fastOptions(), nil)

	_, err := p.NewPage(context.Background(), browser.PageOptions{})
	assert.ErrorIs(t, err, browser.ErrProcessNotReady)
}

func TestProcessPageCreateTimeoutEvicts(t *testing.T) {
	engine := browsertest.NewEngine()
	launcher := &browsertest.Launcher{NewEngine: func() *browsertest.Engine { return engine }}
	p := startedProcess(t, launcher)

	engine.PageDelay = -1

	start := time.Now()
	_, err := p.NewPage(context.Background(), browser.PageOptions{})
	assert.ErrorIs(t, err, browser.ErrPageCreateTimeout)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, p.Stopping())
	assert.False(t, p.HealthCheck(context.Background()))

	_, err = p.NewPage(context.Background(), browser.PageOptions{})
	assert.ErrorIs(t, err, browser.ErrProcessStopping)
}

func TestProcessAcquireRelease(t *testing.T) {
	p := startedProcess(t, &browsertest.Launcher{})

	require.NoError(t, p.Acquire())
	require.NoError(t, p.Acquire())
	assert.Equal(t, int64(2), p.Active())

	p.Release()
	assert.Equal(t, int64(1), p.Active())

	p.MarkStopping()
	assert.ErrorIs(t, p.Acquire(), browser.ErrProcessStopping)
	assert.Equal(t, int64(1), p.Active())
}

func TestProcessHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*browsertest.Engine)
		healthy bool
	}{
		{name: "responsive", mutate: func(*browsertest.Engine) {}, healthy: true},
		{name: "version error", mutate: func(e *browsertest.Engine) { e.VersionErr = errors.New("gone") }},
		{name: "slow version", mutate: func(e *browsertest.Engine) { e.VersionDelay = time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := browsertest.NewEngine()
			p := startedProcess(t, &browsertest.Launcher{NewEngine: func() *browsertest.Engine { return engine }})
			tt.mutate(engine)

			assert.Equal(t, tt.healthy, p.HealthCheck(context.Background()))
		})
	}
}

func TestProcessStopIdempotent(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startedProcess(t, launcher)

	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Stop())
	assert.True(t, p.Stopping())
	assert.True(t, launcher.Launched()[0].Closed())
}

func TestProcessStopBeforeStart(t *testing.T) {
	p := browser.NewProcess(&browsertest.Launcher{}, fastOptions(), nil)
	assert.NoError(t, p.Stop())
}

func TestProcessRetireWaitsForLeases(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startedProcess(t, launcher)
	require.NoError(t, p.Acquire())

	done := make(chan struct{})
	go func() {
		_ = p.Retire(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("retire returned with an active lease")
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, launcher.Launched()[0].Closed())

	p.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retire did not finish after release")
	}
	assert.True(t, launcher.Launched()[0].Closed())
}

func TestProcessRetireBoundedByContext(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startedProcess(t, launcher)
	require.NoError(t, p.Acquire())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Retire(ctx))
	assert.True(t, launcher.Launched()[0].Closed())
}
