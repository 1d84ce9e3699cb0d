package orchestrator

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/channel"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

type gate struct {
	ch   chan struct{}
	once sync.Once
}

func (g *gate) open() {
	g.once.Do(func() { close(g.ch) })
}

// fakeBundler compiles "/index.js" into an artifact whose source is the
// file itself. Sources starting with "fail" produce a compile error.
// Gated sources wait until released, ignoring cancellation the way a
// compiler that cannot be preempted would.
type fakeBundler struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func (f *fakeBundler) hold(src string) *gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]*gate)
	}
	g := &gate{ch: make(chan struct{})}
	f.gates[src] = g
	return g
}

func (f *fakeBundler) releaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gates {
		g.open()
	}
}

func (f *fakeBundler) Build(ctx context.Context, files *vfs.Snapshot) (types.Outcome, error) {
	src, _ := files.Get("/index.js")

	f.mu.Lock()
	g := f.gates[src]
	f.mu.Unlock()
	if g != nil {
		select {
		case <-g.ch:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return types.Outcome{}, ctx.Err()
			}
			<-g.ch
		}
	}

	if strings.HasPrefix(src, "fail") {
		return types.Failure(types.Diagnostic{
			File: "/index.js", Line: 1, Column: 1, Kind: types.KindCompileError, Message: src,
		}), nil
	}
	return types.Success(&types.Artifact{Source: src, Entry: "/index.js", Hash: "h:" + src}, nil), nil
}

type sandboxMode int

const (
	autoReady sandboxMode = iota
	silent
	unavailable
)

// fakeSandbox answers every Load from the same goroutine, in order
type fakeSandbox struct {
	mu     sync.Mutex
	mode   sandboxMode
	height float64
	loads  []channel.Message
	events chan channel.Message
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{height: 100, events: make(chan channel.Message, 64)}
}

func (s *fakeSandbox) Load(_ context.Context, gen types.Generation, source string) error {
	s.mu.Lock()
	s.loads = append(s.loads, channel.Load(gen, source))
	mode, height := s.mode, s.height
	s.mu.Unlock()

	switch mode {
	case autoReady:
		s.events <- channel.Ready(gen)
		s.events <- channel.Rendered(gen, height)
	case unavailable:
		s.events <- channel.Unavailable(gen, "execution context creation failed")
	}
	return nil
}

func (s *fakeSandbox) Events() <-chan channel.Message {
	return s.events
}

func (s *fakeSandbox) set(mode sandboxMode, height float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode, s.height = mode, height
}

func (s *fakeSandbox) loaded() []types.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	gens := make([]types.Generation, len(s.loads))
	for i, l := range s.loads {
		gens[i] = l.Generation
	}
	return gens
}

type fixture struct {
	o       *Orchestrator
	bundler *fakeBundler
	sandbox *fakeSandbox

	mu      sync.Mutex
	resizes []float64
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{bundler: &fakeBundler{}, sandbox: newFakeSandbox()}
	o, err := New(f.bundler, f.sandbox, cfg, zap.NewNop(), WithResizeHandler(func(h float64) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.resizes = append(f.resizes, h)
	}))
	require.NoError(t, err)
	f.o = o
	t.Cleanup(func() {
		f.bundler.releaseAll()
		_ = o.Close()
	})
	return f
}

func (f *fixture) apply(t *testing.T, src string) types.Generation {
	t.Helper()
	snap, err := vfs.NewSnapshot(map[string]string{"/index.js": src}, "")
	require.NoError(t, err)
	gen, err := f.o.Apply(snap)
	require.NoError(t, err)
	return gen
}

func (f *fixture) resized() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.resizes...)
}

func (f *fixture) waitResized(t *testing.T, heights ...float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(heights, f.resized())
	}, 2*time.Second, 5*time.Millisecond, "resize handler saw %v", f.resized())
}

func (f *fixture) waitStatus(t *testing.T, gen types.Generation, want types.BuildStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, ok := f.o.State().Status(gen)
		return ok && status == want
	}, 2*time.Second, 5*time.Millisecond, "generation %d never became %s", gen, want)
}

func (f *fixture) waitDisplayed(t *testing.T, gen types.Generation, height float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := f.o.State()
		return s.Displayed == gen && s.Height == height
	}, 2*time.Second, 5*time.Millisecond, "generation %d never displayed at %g", gen, height)
}

func TestFirstBuildIsDisplayed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	gen := f.apply(t, "render()")
	assert.Equal(t, types.Generation(1), gen)

	f.waitDisplayed(t, 1, 100)
	s := f.o.State()
	assert.Equal(t, types.Generation(1), s.Generation)
	assert.Equal(t, "render()", s.Artifact.Source)
	assert.Empty(t, s.Diagnostics)
	assert.Zero(t, s.Loading)
	f.waitResized(t, 100)

	status, _ := s.Status(1)
	assert.Equal(t, types.StatusSucceeded, status)
}

// Generations 5 and 6 are issued back to back and 5 finishes last: the
// display ends on 6 and 5 leaves no trace.
func TestLateResultIsSuperseded(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for i := 0; i < 4; i++ {
		f.apply(t, "warmup")
	}
	f.waitDisplayed(t, 4, 100)

	g5 := f.bundler.hold("fail: generation five")
	g6 := f.bundler.hold("generation six")
	assert.Equal(t, types.Generation(5), f.apply(t, "fail: generation five"))
	assert.Equal(t, types.Generation(6), f.apply(t, "generation six"))

	f.sandbox.set(autoReady, 240)
	g6.open()
	f.waitDisplayed(t, 6, 240)

	g5.open()
	f.waitStatus(t, 5, types.StatusSuperseded)

	s := f.o.State()
	assert.Equal(t, types.Generation(6), s.Displayed)
	assert.Equal(t, "generation six", s.Artifact.Source)
	assert.Empty(t, s.Diagnostics, "a superseded failure must not surface")
	assert.NotContains(t, f.sandbox.loaded(), types.Generation(5))

	status, _ := s.Status(4)
	assert.Equal(t, types.StatusSuperseded, status)
}

func TestGenerationOrderingIgnoresArrivalOrder(t *testing.T) {
	for _, newestFirst := range []bool{false, true} {
		name := "oldest first"
		if newestFirst {
			name = "newest first"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			first := f.bundler.hold("one")
			second := f.bundler.hold("two")
			g1 := f.apply(t, "one")
			g2 := f.apply(t, "two")

			if newestFirst {
				second.open()
				f.waitDisplayed(t, g2, 100)
				first.open()
			} else {
				first.open()
				f.waitStatus(t, g1, types.StatusSuperseded)
				second.open()
			}
			f.waitStatus(t, g1, types.StatusSuperseded)
			f.waitDisplayed(t, g2, 100)

			s := f.o.State()
			assert.Equal(t, "two", s.Artifact.Source)
			assert.Equal(t, []types.Generation{g2}, f.sandbox.loaded())
		})
	}
}

func TestFailureKeepsDisplayedArtifact(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.apply(t, "good")
	f.waitDisplayed(t, 1, 100)

	gen := f.apply(t, "fail: missing semicolon")
	f.waitStatus(t, gen, types.StatusFailed)

	s := f.o.State()
	assert.Equal(t, types.Generation(1), s.Displayed)
	assert.Equal(t, "good", s.Artifact.Source)
	assert.Equal(t, float64(100), s.Height)
	require.Len(t, s.Diagnostics, 1)
	assert.Equal(t, types.KindCompileError, s.Diagnostics[0].Kind)
	assert.Equal(t, []types.Generation{1}, f.sandbox.loaded())

	// the next success replaces the diagnostics
	f.apply(t, "better")
	f.waitDisplayed(t, 3, 100)
	assert.Empty(t, f.o.State().Diagnostics)
}

func TestRuntimeErrorNeverClearsHeight(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.sandbox.set(autoReady, 320)
	f.apply(t, "app")
	f.waitDisplayed(t, 1, 320)

	f.sandbox.events <- channel.RuntimeError(1, "TypeError: x is undefined", "at artifact.js:3:1")
	require.Eventually(t, func() bool { return len(f.o.State().Diagnostics) == 1 }, time.Second, 5*time.Millisecond)

	s := f.o.State()
	assert.Equal(t, float64(320), s.Height)
	assert.Equal(t, types.Generation(1), s.Displayed)
	assert.Equal(t, types.KindRuntimeError, s.Diagnostics[0].Kind)
	assert.Equal(t, "at artifact.js:3:1", s.Diagnostics[0].Stack)
}

func TestRenderedDrivesResize(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.apply(t, "app")
	f.waitDisplayed(t, 1, 100)

	f.sandbox.events <- channel.Rendered(1, 100)
	f.sandbox.events <- channel.Rendered(1, 180)
	f.waitResized(t, 100, 180)
}

func TestStaleEventsAreDiscarded(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.apply(t, "one")
	f.waitDisplayed(t, 1, 100)
	f.sandbox.set(autoReady, 200)
	f.apply(t, "two")
	f.waitDisplayed(t, 2, 200)

	f.sandbox.events <- channel.Rendered(1, 999)
	f.sandbox.events <- channel.RuntimeError(1, "old page", "")
	f.sandbox.events <- channel.Rendered(2, 210)
	f.waitDisplayed(t, 2, 210)

	s := f.o.State()
	assert.Empty(t, s.Diagnostics)
	assert.NotContains(t, f.resized(), float64(999))
}

func TestUnchangedApplyIsANewGeneration(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.apply(t, "same")
	f.waitDisplayed(t, 1, 100)
	first := f.o.State().Artifact

	gen := f.apply(t, "same")
	assert.Equal(t, types.Generation(2), gen)
	f.waitStatus(t, 2, types.StatusSucceeded)

	second := f.o.State().Artifact
	assert.NotSame(t, first, second)
	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Source, second.Source)
	assert.Equal(t, []types.Generation{1, 2}, f.sandbox.loaded())
}

func TestLoadTimeoutRestoresLastGood(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.apply(t, "good")
	f.waitDisplayed(t, 1, 100)

	f.sandbox.set(silent, 0)
	gen := f.apply(t, "hangs")
	f.waitStatus(t, gen, types.StatusFailed)

	s := f.o.State()
	assert.Equal(t, types.Generation(1), s.Displayed)
	require.NotEmpty(t, s.Diagnostics)
	assert.Equal(t, types.KindTimeout, s.Diagnostics[len(s.Diagnostics)-1].Kind)

	require.Eventually(t, func() bool {
		loads := f.sandbox.loaded()
		return len(loads) == 3 && loads[2] == 1
	}, time.Second, 5*time.Millisecond, "last good generation should be loaded again")
}

func TestReloadDoesNotRepeatRuntimeErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoadTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	f.apply(t, "good")
	f.waitDisplayed(t, 1, 100)

	f.sandbox.set(silent, 0)
	gen := f.apply(t, "hangs")
	require.Eventually(t, func() bool {
		return slices.Contains(f.sandbox.loaded(), gen)
	}, time.Second, 5*time.Millisecond)

	f.sandbox.events <- channel.RuntimeError(1, "Error: boom", "at artifact.js:1:7")
	f.waitStatus(t, gen, types.StatusFailed)
	require.Eventually(t, func() bool {
		loads := f.sandbox.loaded()
		return len(loads) == 3 && loads[2] == 1
	}, time.Second, 5*time.Millisecond)

	// the reloaded generation throws the same error again
	f.sandbox.events <- channel.RuntimeError(1, "Error: boom", "at artifact.js:1:7")
	f.sandbox.events <- channel.RuntimeError(1, "Error: later", "")
	require.Eventually(t, func() bool {
		return slices.ContainsFunc(f.o.State().Diagnostics, func(d types.Diagnostic) bool {
			return d.Message == "Error: later"
		})
	}, time.Second, 5*time.Millisecond)

	counts := map[string]int{}
	for _, d := range f.o.State().Diagnostics {
		counts[d.Message]++
	}
	assert.Equal(t, 1, counts["Error: boom"])
	assert.Equal(t, 1, counts["Error: later"])
}

func TestSandboxUnavailableFailsGeneration(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.apply(t, "good")
	f.waitDisplayed(t, 1, 100)

	f.sandbox.set(unavailable, 0)
	gen := f.apply(t, "next")
	f.waitStatus(t, gen, types.StatusFailed)

	s := f.o.State()
	assert.Equal(t, types.Generation(1), s.Displayed)
	assert.Equal(t, float64(100), s.Height)
	var kinds []types.Kind
	for _, d := range s.Diagnostics {
		kinds = append(kinds, d.Kind)
	}
	assert.Contains(t, kinds, types.KindSandboxUnavailable)
}

func TestBuildTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BuildTimeout = 30 * time.Millisecond
	f := newFixture(t, cfg)
	f.bundler.hold("slow")

	gen := f.apply(t, "slow")
	f.waitStatus(t, gen, types.StatusFailed)

	s := f.o.State()
	require.Len(t, s.Diagnostics, 1)
	assert.Equal(t, types.KindTimeout, s.Diagnostics[0].Kind)
	assert.Zero(t, s.Displayed)
}

func TestSubscribeSeesLifecycle(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	updates, stop := f.o.Subscribe()
	defer stop()

	f.apply(t, "app")

	var kinds []UpdateKind
	timeout := time.After(2 * time.Second)
	for len(kinds) < 4 {
		select {
		case u := <-updates:
			assert.Equal(t, types.Generation(1), u.Generation)
			kinds = append(kinds, u.Kind)
		case <-timeout:
			t.Fatalf("only saw %v", kinds)
		}
	}
	assert.Equal(t, []UpdateKind{UpdateBuildStarted, UpdateBuildResult, UpdateReady, UpdateRendered}, kinds)

	stop()
	_, ok := <-updates
	assert.False(t, ok)
}

func TestApplyNeverBlocks(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.bundler.hold("stuck")

	var snaps []*vfs.Snapshot
	for _, src := range []string{"stuck", "stuck", "free"} {
		snap, err := vfs.NewSnapshot(map[string]string{"/index.js": src}, "")
		require.NoError(t, err)
		snaps = append(snaps, snap)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, snap := range snaps {
			_, _ = f.o.Apply(snap)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Apply blocked on in-flight builds")
	}
	f.waitDisplayed(t, 3, 100)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.History = 3
	f := newFixture(t, cfg)
	for i := 0; i < 6; i++ {
		gen := f.apply(t, "app")
		f.waitStatus(t, gen, types.StatusSucceeded)
	}

	s := f.o.State()
	assert.LessOrEqual(t, len(s.Builds), 4)
	_, ok := s.Status(6)
	assert.True(t, ok)
}

func TestClosed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.o.Close())
	require.NoError(t, f.o.Close())

	snap, err := vfs.NewSnapshot(map[string]string{"/index.js": "x"}, "")
	require.NoError(t, err)
	_, err = f.o.Apply(snap)
	assert.ErrorIs(t, err, ErrClosed)

	updates, _ := f.o.Subscribe()
	_, ok := <-updates
	assert.False(t, ok)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, newFakeSandbox(), DefaultConfig(), zap.NewNop())
	assert.Error(t, err)
	_, err = New(&fakeBundler{}, nil, DefaultConfig(), zap.NewNop())
	assert.Error(t, err)
}
