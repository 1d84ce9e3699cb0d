package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State is the breaker's position
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
	}
	return "unknown"
}

// Settings configures a breaker. Zero values pick defaults.
type Settings struct {
	// Probes is how many calls are let through while half-open; that many
	// consecutive successes close the breaker again
	Probes uint32
	// Window is how long closed-state counts accumulate before resetting
	Window time.Duration
	// Cooldown is how long the breaker stays open
	Cooldown time.Duration
	// Trip decides, after a counted failure, whether to open
	Trip func(Counts) bool
	// Counted reports whether err is an upstream failure. Errors it rejects
	// (a 404 for a package that does not exist, a cancelled context) pass
	// through without affecting the breaker.
	Counted func(err error) bool
	// OnStateChange observes transitions, e.g. for metrics
	OnStateChange func(name string, from, to State)
}

// Counts are the statistics of the current window
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker stops calling an upstream that keeps failing. Each window is
// numbered; a call that finishes after its window ended is not counted.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	window uint64
	until  time.Time
}

// New creates a closed breaker
func New(name string, settings Settings) *Breaker {
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Trip == nil {
		settings.Trip = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}
	if settings.Counted == nil {
		settings.Counted = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}

	b := &Breaker{name: name, settings: settings, now: time.Now}
	b.until = b.now().Add(settings.Window)
	return b
}

func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, advancing expired windows first
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Counts returns a copy of the current window's counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn unless the breaker is open. The breaker's verdict on the
// outcome of fn follows Settings.Counted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	window, err := b.admit()
	if err != nil {
		return err
	}

	ok := false
	defer func() {
		if !ok {
			// fn panicked
			b.record(window, false)
		}
	}()

	err = fn(ctx)
	ok = true
	switch {
	case err == nil:
		b.record(window, true)
	case b.settings.Counted(err):
		b.record(window, false)
	default:
		b.release(window)
	}
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	switch {
	case b.state == StateOpen:
		return b.window, ErrCircuitOpen
	case b.state == StateHalfOpen && b.counts.Requests >= b.settings.Probes:
		return b.window, ErrTooManyRequests
	}
	b.counts.Requests++
	return b.window, nil
}

func (b *Breaker) record(window uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if window != b.window {
		return
	}

	if success {
		b.counts.TotalSuccesses++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.Probes {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	if b.state == StateHalfOpen || b.settings.Trip(b.counts) {
		b.transition(StateOpen, now)
	}
}

// release returns an admitted slot without a verdict
func (b *Breaker) release(window uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if window == b.window && b.counts.Requests > 0 {
		b.counts.Requests--
	}
}

func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case StateClosed:
		if now.After(b.until) {
			b.counts = Counts{}
			b.window++
			b.until = now.Add(b.settings.Window)
		}
	case StateOpen:
		if now.After(b.until) {
			b.transition(StateHalfOpen, now)
		}
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.counts = Counts{}
	b.window++

	switch to {
	case StateClosed:
		b.until = now.Add(b.settings.Window)
	case StateOpen:
		b.until = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.until = time.Time{}
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}
