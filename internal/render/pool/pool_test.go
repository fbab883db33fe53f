package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/renderd/internal/browser"
	"github.com/GriffinCanCode/renderd/internal/browser/browsertest"
)

func testOptions(threshold int64) Options {
	return Options{
		Threshold:     threshold,
		DrainTimeout:  5 * time.Second,
		LaunchTimeout: 5 * time.Second,
		Process: browser.ProcessOptions{
			PageCreateTimeout: time.Second,
			HealthTimeout:     100 * time.Millisecond,
			SmokeTestTimeout:  time.Second,
		},
	}
}

func startPool(t *testing.T, launcher browser.Launcher, threshold int64) *Pool {
	t.Helper()
	p := New(launcher, testOptions(threshold), nil, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func roles(p *Pool) map[string]ProcessInfo {
	out := map[string]ProcessInfo{}
	for _, info := range p.Processes() {
		out[info.Role] = info
	}
	return out
}

func waitFutureReady(t *testing.T, p *Pool) {
	t.Helper()
	require.Eventually(t, func() bool {
		info, ok := roles(p)["future"]
		return ok && info.Ready
	}, 2*time.Second, 5*time.Millisecond)
}

func TestActiveBeforeStart(t *testing.T) {
	p := New(&browsertest.Launcher{}, testOptions(10), nil, nil)
	_, err := p.Active()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, p.Ready())
}

func TestStartFailure(t *testing.T) {
	p := New(&browsertest.Launcher{Err: errors.New("no chrome")}, testOptions(10), nil, nil)
	assert.Error(t, p.Start(context.Background()))
	assert.False(t, p.Ready())
}

func TestActiveCountsServed(t *testing.T) {
	p := startPool(t, &browsertest.Launcher{}, 10)

	first, err := p.Active()
	require.NoError(t, err)
	second, err := p.Active()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(2), first.Served())
	current := roles(p)["current"]
	assert.True(t, current.Ready)
	assert.False(t, current.Failed)
	assert.Equal(t, int64(2), current.Served)
	assert.True(t, p.Ready())
	assert.True(t, p.Healthy(context.Background()))
}

func TestRollingReplacement(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startPool(t, launcher, 3)

	original, err := p.Active()
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := p.Active()
		require.NoError(t, err)
	}
	_, hasFuture := roles(p)["future"]
	assert.False(t, hasFuture, "no warm-up before the threshold is reached")

	// The threshold+1-th decision starts the warm-up but keeps routing to
	// the current process.
	proc, err := p.Active()
	require.NoError(t, err)
	assert.Same(t, original, proc)
	_, hasFuture = roles(p)["future"]
	assert.True(t, hasFuture)

	waitFutureReady(t, p)

	replacement, err := p.Active()
	require.NoError(t, err)
	assert.NotSame(t, original, replacement)
	assert.Equal(t, int64(1), replacement.Served())

	require.Eventually(t, func() bool { return launcher.Launched()[0].Closed() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, original.Stopping())
	assert.Len(t, launcher.Launched(), 2)
}

func TestWarmUpKeepsServingCurrent(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startPool(t, launcher, 1)

	original, err := p.Active()
	require.NoError(t, err)

	launcher.Delay = 200 * time.Millisecond
	for i := 0; i < 5; i++ {
		proc, err := p.Active()
		require.NoError(t, err)
		assert.Same(t, original, proc)
	}

	// Only one replacement is ever warming.
	require.Eventually(t, func() bool { return len(launcher.Launched()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, launcher.Launched(), 2)
}

func TestSinglePendingStop(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startPool(t, launcher, 1)

	// Hold a lease on the first process so its retirement cannot finish.
	release := make(chan struct{})
	leased := make(chan *browser.Process, 1)
	go func() {
		_ = p.Task(context.Background(), func(_ context.Context, proc *browser.Process) error {
			leased <- proc
			<-release
			return nil
		})
	}()
	first := <-leased

	proc, err := p.Active() // starts warm-up of the second process
	require.NoError(t, err)
	assert.Same(t, first, proc)
	waitFutureReady(t, p)

	second, err := p.Active() // promotes the second process, first retires
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Contains(t, roles(p), "retiring")

	proc, err = p.Active() // starts warm-up of the third process
	require.NoError(t, err)
	assert.Same(t, second, proc)
	waitFutureReady(t, p)

	// The first stop is still pending, so the ready third process must
	// wait.
	for i := 0; i < 3; i++ {
		proc, err = p.Active()
		require.NoError(t, err)
		assert.Same(t, second, proc)
	}
	assert.False(t, launcher.Launched()[0].Closed())

	close(release)
	require.Eventually(t, func() bool {
		_, retiring := roles(p)["retiring"]
		return !retiring
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, launcher.Launched()[0].Closed())

	third, err := p.Active()
	require.NoError(t, err)
	assert.NotSame(t, second, third)
}

func TestNeverHandsOutStoppingProcess(t *testing.T) {
	p := startPool(t, &browsertest.Launcher{}, 100)

	proc, err := p.Active()
	require.NoError(t, err)
	proc.MarkStopping()

	_, err = p.Active()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, p.Ready())
	assert.False(t, p.Healthy(context.Background()))

	err = p.Task(context.Background(), func(context.Context, *browser.Process) error {
		t.Fatal("task routed to a stopping process")
		return nil
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestConcurrentRoutingNeverSeesStoppingProcess(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := startPool(t, launcher, 5)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				err := p.Task(context.Background(), func(ctx context.Context, proc *browser.Process) error {
					page, err := proc.NewPage(ctx, browser.PageOptions{})
					if err != nil {
						return err
					}
					// Keep leases overlapping so retirements race the routing.
					time.Sleep(time.Millisecond)
					return page.Close(ctx)
				})
				if err != nil {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	// Warm-ups launch asynchronously and may finish after the last task.
	require.Eventually(t, func() bool { return len(launcher.Launched()) > 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestFailedWarmUpClearsFuture(t *testing.T) {
	var launches atomic.Int32
	launcher := &browsertest.Launcher{NewEngine: func() *browsertest.Engine {
		n := launches.Add(1)
		e := browsertest.NewEngine()
		if n > 1 {
			e.NewPageFunc = func() *browsertest.Page {
				page := browsertest.NewPage()
				page.NavigateErr = errors.New("renderer crashed")
				return page
			}
		}
		return e
	}}
	p := startPool(t, launcher, 1)

	original, err := p.Active()
	require.NoError(t, err)
	_, err = p.Active()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := roles(p)["future"]
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	// The pool keeps serving the old process and tries again later.
	proc, err := p.Active()
	require.NoError(t, err)
	assert.Same(t, original, proc)
}

func TestTaskReleasesLease(t *testing.T) {
	p := startPool(t, &browsertest.Launcher{}, 10)

	var seen *browser.Process
	err := p.Task(context.Background(), func(_ context.Context, proc *browser.Process) error {
		seen = proc
		assert.Equal(t, int64(1), proc.Active())
		return errors.New("task failed")
	})
	assert.EqualError(t, err, "task failed")
	assert.Equal(t, int64(0), seen.Active())
}

func TestStop(t *testing.T) {
	launcher := &browsertest.Launcher{}
	p := New(launcher, testOptions(10), nil, nil)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	_, err := p.Active()
	assert.ErrorIs(t, err, ErrStopping)
	assert.False(t, p.Ready())
	assert.True(t, launcher.Launched()[0].Closed())
}

func TestPages(t *testing.T) {
	p := startPool(t, &browsertest.Launcher{}, 10)

	proc, err := p.Active()
	require.NoError(t, err)
	page, err := proc.NewPage(context.Background(), browser.PageOptions{})
	require.NoError(t, err)
	defer page.Close(context.Background())

	pages := p.Pages(context.Background())
	require.Contains(t, pages, proc.ID())
	assert.Equal(t, []string{"about:blank"}, pages[proc.ID()])
}
