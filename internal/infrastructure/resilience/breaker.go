package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrOpen is returned without running the operation while the breaker
	// is open.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTrialInFlight is returned while the half-open trial call is running.
	ErrTrialInFlight = errors.New("circuit breaker trial call in flight")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures a Breaker.
type Settings struct {
	// Failures is the number of consecutive failures that opens the breaker.
	Failures uint32
	// Cooldown is how long the breaker stays open before letting one trial
	// through.
	Cooldown time.Duration
	// OnStateChange is called after the breaker lock is released.
	OnStateChange func(name string, from, to State)
}

// Breaker stops repeating an operation that keeps failing, such as
// launching a browser that crashes on start.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	probing  bool
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.Failures == 0 {
		settings.Failures = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:     name,
		settings: settings,
		now:      time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	state, changed := b.refresh()
	b.mu.Unlock()
	b.notify(changed)
	return state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs op unless the breaker is open. A cancellation by the caller is
// neither a success nor a failure.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(outcomeFailure)
			panic(r)
		}
	}()

	err := op(ctx)
	switch {
	case err == nil:
		b.after(outcomeSuccess)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.after(outcomeNeutral)
	default:
		b.after(outcomeFailure)
	}
	return err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeNeutral
)

func (b *Breaker) before() error {
	b.mu.Lock()
	state, changed := b.refresh()
	var err error
	switch {
	case state == StateOpen:
		err = ErrOpen
	case state == StateHalfOpen && b.probing:
		err = ErrTrialInFlight
	case state == StateHalfOpen:
		b.probing = true
	}
	b.mu.Unlock()
	b.notify(changed)
	return err
}

func (b *Breaker) after(o outcome) {
	b.mu.Lock()
	var changed *transition
	if b.state == StateHalfOpen {
		b.probing = false
	}
	switch o {
	case outcomeSuccess:
		b.failures = 0
		changed = b.setState(StateClosed)
	case outcomeFailure:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.settings.Failures {
			changed = b.setState(StateOpen)
		}
	}
	b.mu.Unlock()
	b.notify(changed)
}

type transition struct{ from, to State }

// refresh must be called with mu held.
func (b *Breaker) refresh() (State, *transition) {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		return StateHalfOpen, b.setState(StateHalfOpen)
	}
	return b.state, nil
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to}
	b.state = to
	if to == StateOpen {
		b.openedAt = b.now()
	}
	return t
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, t.from, t.to)
	}
}
