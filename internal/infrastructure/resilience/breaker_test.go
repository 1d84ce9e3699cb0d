package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream failed")

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(settings Settings) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	b := New("test", settings)
	b.now = c.now
	b.until = c.now().Add(b.settings.Window)
	return b, c
}

func call(b *Breaker, err error) error {
	return b.Do(context.Background(), func(context.Context) error { return err })
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		results  []error
		want     State
	}{
		{
			name:    "stays closed on successes",
			results: []error{nil, nil, nil},
			want:    StateClosed,
		},
		{
			name: "opens after consecutive failures",
			settings: Settings{
				Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
			},
			results: []error{errUpstream, errUpstream, errUpstream},
			want:    StateOpen,
		},
		{
			name: "success resets the failure streak",
			settings: Settings{
				Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 2 },
			},
			results: []error{errUpstream, nil, errUpstream},
			want:    StateClosed,
		},
		{
			name: "uncounted errors never trip",
			settings: Settings{
				Trip:    func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
				Counted: func(err error) bool { return !errors.Is(err, errUpstream) },
			},
			results: []error{errUpstream, errUpstream},
			want:    StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _ := newTestBreaker(tt.settings)
			for _, result := range tt.results {
				_ = call(b, result)
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(Settings{
		Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	require.ErrorIs(t, call(b, errUpstream), errUpstream)

	called := false
	err := b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	var transitions []string
	b, c := newTestBreaker(Settings{
		Probes:   2,
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = call(b, errUpstream)
	c.advance(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, call(b, nil))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, call(b, nil))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, c := newTestBreaker(Settings{
		Cooldown: time.Second,
		Trip:     func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	_ = call(b, errUpstream)
	c.advance(2 * time.Second)
	_ = call(b, errUpstream)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerWindowResetsCounts(t *testing.T) {
	b, c := newTestBreaker(Settings{Window: time.Minute})

	_ = call(b, errUpstream)
	_ = call(b, nil)
	assert.Equal(t, uint32(2), b.Counts().Requests)

	c.advance(2 * time.Minute)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}

func TestBreakerCountsPanics(t *testing.T) {
	b, _ := newTestBreaker(Settings{
		Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})

	assert.Panics(t, func() {
		_ = b.Do(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
