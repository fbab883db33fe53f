// Package task implements the render and login jobs and the state machine
// that drives them through one browsing context.
package task

import (
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidSpec is returned for specs that cannot be processed.
var ErrInvalidSpec = errors.New("invalid task spec")

// Kind selects the task variant.
type Kind string

const (
	KindRender Kind = "render"
	KindLogin  Kind = "login"
)

// WaitTime bounds how long a task waits for the page.
type WaitTime struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Credentials are submitted by login tasks.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Spec describes one requested job.
type Spec struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	URL       string            `json:"url"`
	UserAgent string            `json:"userAgent,omitempty"`
	Headers   map[string]string `json:"-"`
	WaitTime  WaitTime          `json:"waitTime"`
	Adblock   bool              `json:"adblock,omitempty"`

	// StripScripts removes script elements from the returned body.
	StripScripts bool         `json:"stripScripts,omitempty"`
	Credentials  *Credentials `json:"credentials,omitempty"`

	// RenderHTML makes login tasks return the rendered body as well.
	RenderHTML bool `json:"renderHTML,omitempty"`

	// Budget bounds the work after navigation. The whole task must finish
	// within WaitTime.Max plus Budget; zero means DefaultBudget.
	Budget    time.Duration `json:"-"`
	CreatedAt time.Time     `json:"createdAt"`
}

// DefaultBudget is the post-navigation allowance used when a spec sets none.
const DefaultBudget = 15 * time.Second

// Deadline is the total time the task may run.
func (s Spec) Deadline() time.Duration {
	budget := s.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	return s.WaitTime.Max + budget
}

// Validate checks the spec's invariants.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindRender:
	case KindLogin:
		if s.Credentials == nil || s.Credentials.Username == "" {
			return fmt.Errorf("%w: login requires credentials", ErrInvalidSpec)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}

	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: url must be absolute http or https", ErrInvalidSpec)
	}
	if s.WaitTime.Min < 0 || s.WaitTime.Max <= 0 {
		return fmt.Errorf("%w: wait time bounds must be positive", ErrInvalidSpec)
	}
	if s.WaitTime.Max < s.WaitTime.Min {
		return fmt.Errorf("%w: max wait %s below min wait %s", ErrInvalidSpec, s.WaitTime.Max, s.WaitTime.Min)
	}
	return nil
}

// State is a task's position in its processing state machine.
type State int32

const (
	StateCreated State = iota
	StateContextCreated
	StateNavigating
	StateMinWaitPending
	StateSerializing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateContextCreated:
		return "contextCreated"
	case StateNavigating:
		return "navigating"
	case StateMinWaitPending:
		return "minWaitPending"
	case StateSerializing:
		return "serializing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Task is one unit of work. Process must be called at most once.
type Task struct {
	spec   Spec
	state  atomic.Int32
	logger *zap.Logger
}

// New creates a task. CreatedAt defaults to now.
func New(spec Spec, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now()
	}
	return &Task{
		spec: spec,
		logger: logger.With(
			zap.String("component", "task"),
			zap.String("task_id", spec.ID),
			zap.String("kind", string(spec.Kind)),
		),
	}
}

func (t *Task) ID() string {
	return t.spec.ID
}

func (t *Task) Kind() Kind {
	return t.spec.Kind
}

func (t *Task) Spec() Spec {
	return t.spec
}

func (t *Task) CreatedAt() time.Time {
	return t.spec.CreatedAt
}

func (t *Task) State() State {
	return State(t.state.Load())
}

func (t *Task) setState(s State) {
	t.state.Store(int32(s))
	t.logger.Debug("task state", zap.Stringer("state", s))
}
