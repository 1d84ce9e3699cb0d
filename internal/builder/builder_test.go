package builder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/tsingtao/internal/domain/cdn"
	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

type fakeFetcher struct {
	modules map[string]string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*cdn.Module, error) {
	src, ok := f.modules[url]
	if !ok {
		return nil, &cdn.StatusError{URL: url, Status: 404}
	}
	return &cdn.Module{URL: url, Source: src, ContentType: "application/javascript"}, nil
}

type heights struct {
	mu   sync.Mutex
	seen []float64
}

func (h *heights) record(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, v)
}

func (h *heights) last() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.seen) == 0 {
		return -1
	}
	return h.seen[len(h.seen)-1]
}

const app = `
export function mount(height: number): void {
  const el = document.createElement("div");
  el.style.height = height + "px";
  document.getElementById("root")!.appendChild(el);
}
`

func newBuilder(t *testing.T, files map[string]string, modules map[string]string) (*Builder, *heights) {
	t.Helper()
	h := &heights{}
	b, err := New(files, h.record, WithFetcher(&fakeFetcher{modules: modules}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, h
}

func waitDisplayed(t *testing.T, b *Builder, gen types.Generation) orchestrator.State {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.State().Displayed == gen
	}, 10*time.Second, 10*time.Millisecond, "generation %d never displayed", gen)
	return b.State()
}

func TestInitialFilesRenderAndResize(t *testing.T) {
	b, h := newBuilder(t, map[string]string{
		"/index.ts": `import { mount } from "./App"; mount(180);`,
		"/App.ts":   app,
	}, nil)

	s := waitDisplayed(t, b, 1)
	assert.Empty(t, s.Diagnostics)
	assert.Equal(t, []string{"/App.ts", "/index.ts"}, s.Artifact.Modules)
	assert.Empty(t, s.Artifact.Externals)

	require.Eventually(t, func() bool { return h.last() == 180 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(180), b.State().Height)
}

// a sample without side effects bundles to an empty module and still renders
func TestSideEffectFreeSampleSucceeds(t *testing.T) {
	b, _ := newBuilder(t, map[string]string{
		"/index.tsx": "import './App'",
		"/App.tsx":   "export default () => null",
	}, nil)

	s := waitDisplayed(t, b, 1)
	status, ok := s.Status(1)
	require.True(t, ok)
	assert.Equal(t, types.StatusSucceeded, status)
	assert.Empty(t, s.Diagnostics)
	assert.Equal(t, []string{"/App.tsx", "/index.tsx"}, s.Artifact.Modules)
	assert.Empty(t, s.Artifact.Externals)
}

func TestSetFilesStartsNewGeneration(t *testing.T) {
	files := map[string]string{
		"/index.ts": `import { mount } from "./App"; mount(100);`,
		"/App.ts":   app,
	}
	b, h := newBuilder(t, files, nil)
	first := waitDisplayed(t, b, 1)

	gen, err := b.SetFiles(files)
	require.NoError(t, err)
	assert.Equal(t, types.Generation(2), gen)
	second := waitDisplayed(t, b, 2)
	assert.Equal(t, first.Artifact.Hash, second.Artifact.Hash)

	files["/index.ts"] = `import { mount } from "./App"; mount(260);`
	gen, err = b.SetFiles(files)
	require.NoError(t, err)
	waitDisplayed(t, b, gen)
	require.Eventually(t, func() bool { return h.last() == 260 }, 5*time.Second, 10*time.Millisecond)
}

func TestCompileFailureKeepsLastRender(t *testing.T) {
	b, h := newBuilder(t, map[string]string{
		"/index.ts": `import { mount } from "./App"; mount(90);`,
		"/App.ts":   app,
	}, nil)
	waitDisplayed(t, b, 1)
	require.Eventually(t, func() bool { return h.last() == 90 }, 5*time.Second, 10*time.Millisecond)

	gen, err := b.SetFiles(map[string]string{"/index.ts": `import "./missing";`})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		status, ok := b.State().Status(gen)
		return ok && status == types.StatusFailed
	}, 10*time.Second, 10*time.Millisecond)

	s := b.State()
	assert.Equal(t, types.Generation(1), s.Displayed)
	assert.Equal(t, float64(90), s.Height)
	require.Len(t, s.Diagnostics, 1)
	assert.Equal(t, types.KindLocalModuleNotFound, s.Diagnostics[0].Kind)
	assert.Equal(t, "/index.ts", s.Diagnostics[0].File)
	assert.Contains(t, s.Diagnostics[0].Message, "./missing")
}

func TestCDNImportsRunInSandbox(t *testing.T) {
	b, h := newBuilder(t, map[string]string{
		"/index.ts": `import { size } from "sizes"; document.getElementById("root")!.style.height = size + "px";`,
	}, map[string]string{
		"https://esm.sh/sizes@latest": `export const size = 64;`,
	})

	s := waitDisplayed(t, b, 1)
	assert.Equal(t, []string{"https://esm.sh/sizes@latest"}, s.Artifact.Externals)
	require.Eventually(t, func() bool { return h.last() == 64 }, 5*time.Second, 10*time.Millisecond)
}

func TestMissingCDNModuleIsRuntimeError(t *testing.T) {
	b, _ := newBuilder(t, map[string]string{
		"/index.ts": `import confetti from "confetti"; confetti();`,
	}, nil)

	waitDisplayed(t, b, 1)
	require.Eventually(t, func() bool { return len(b.State().Diagnostics) > 0 }, 5*time.Second, 10*time.Millisecond)

	d := b.State().Diagnostics[0]
	assert.Equal(t, types.KindRuntimeError, d.Kind)
	assert.Contains(t, d.Message, "FetchError")
	assert.Contains(t, d.Message, "https://esm.sh/confetti@latest")
}

func TestEntryOverride(t *testing.T) {
	h := &heights{}
	cfg := DefaultConfig()
	cfg.Entry = "main.ts"
	b, err := New(map[string]string{
		"/main.ts":  `document.getElementById("root")!.style.height = "30px";`,
		"/index.ts": `throw new Error("wrong entry");`,
	}, h.record, WithConfig(cfg), WithFetcher(&fakeFetcher{}))
	require.NoError(t, err)
	defer b.Close()

	s := waitDisplayed(t, b, 1)
	assert.Equal(t, "/main.ts", s.Artifact.Entry)
	require.Eventually(t, func() bool { return h.last() == 30 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, b.State().Diagnostics)

	_, err = b.SetFiles(map[string]string{"/index.ts": ""})
	assert.Error(t, err, "the configured entry must exist")
}

func TestClosedBuilder(t *testing.T) {
	b, _ := newBuilder(t, map[string]string{"/index.js": ""}, nil)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.SetFiles(map[string]string{"/index.js": ""})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Resize(context.Background(), 100, 100), ErrClosed)
}
