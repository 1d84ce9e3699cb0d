package session

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/shared/id"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

type fakeBuilder struct {
	mu      sync.Mutex
	applied []map[string]string
	closed  atomic.Bool
}

func (b *fakeBuilder) SetFiles(files map[string]string) (types.Generation, error) {
	if b.closed.Load() {
		return 0, errors.New("closed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applied = append(b.applied, maps.Clone(files))
	return types.Generation(len(b.applied)), nil
}

func (b *fakeBuilder) Resize(context.Context, float64, float64) error { return nil }

func (b *fakeBuilder) State() orchestrator.State { return orchestrator.State{} }

func (b *fakeBuilder) Subscribe() (<-chan orchestrator.Update, func()) {
	ch := make(chan orchestrator.Update)
	close(ch)
	return ch, func() {}
}

func (b *fakeBuilder) Close() error {
	b.closed.Store(true)
	return nil
}

func (b *fakeBuilder) last() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.applied[len(b.applied)-1]
}

type factory struct {
	mu       sync.Mutex
	builders []*fakeBuilder
	fail     error
}

func (f *factory) create(files map[string]string, _ func(float64)) (Builder, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	b := &fakeBuilder{}
	if _, err := b.SetFiles(files); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders = append(f.builders, b)
	return b, nil
}

func newManager(t *testing.T, cfg Config) (*Manager, *factory) {
	t.Helper()
	f := &factory{}
	m := NewManager(f.create, cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Close() })
	return m, f
}

func TestCreateAndGet(t *testing.T) {
	m, f := newManager(t, DefaultConfig())

	s, err := m.Create(map[string]string{"/index.ts": "1"})
	require.NoError(t, err)
	assert.True(t, id.Valid(s.ID.String(), id.SessionPrefix))
	assert.Equal(t, 1, m.Len())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Same(t, f.builders[0], s.Builder())

	_, err = m.Get("sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFactoryFailure(t *testing.T) {
	m, f := newManager(t, DefaultConfig())
	f.fail = errors.New("no sandbox")

	_, err := m.Create(nil)
	assert.ErrorContains(t, err, "no sandbox")
	assert.Zero(t, m.Len())
}

func TestDraftOnlyBuildsOnApply(t *testing.T) {
	m, f := newManager(t, DefaultConfig())
	s, err := m.Create(map[string]string{"/index.ts": "v1"})
	require.NoError(t, err)
	b := f.builders[0]

	assert.False(t, s.HasChanges())
	require.NoError(t, s.EditFile("index.ts", "v1"))
	assert.False(t, s.HasChanges(), "identical content is not a change")

	require.NoError(t, s.EditFile("index.ts", "v2"))
	require.NoError(t, s.EditFile("/App.ts", "app"))
	assert.True(t, s.HasChanges())
	assert.Len(t, b.applied, 1, "edits never build")

	gen, err := s.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, types.Generation(2), gen)
	assert.False(t, s.HasChanges())
	assert.Equal(t, map[string]string{"/index.ts": "v2", "/App.ts": "app"}, b.last())

	// unchanged apply is still a generation
	gen, err = s.Apply(nil)
	require.NoError(t, err)
	assert.Equal(t, types.Generation(3), gen)

	require.NoError(t, s.RemoveFile("/App.ts"))
	assert.True(t, s.HasChanges())
	assert.Equal(t, map[string]string{"/index.ts": "v2"}, s.Draft())
}

func TestApplyReplacesDraft(t *testing.T) {
	m, f := newManager(t, DefaultConfig())
	s, err := m.Create(map[string]string{"/index.ts": "v1"})
	require.NoError(t, err)

	files := map[string]string{"/main.ts": "x"}
	_, err = s.Apply(files)
	require.NoError(t, err)
	files["/main.ts"] = "mutated later"

	assert.Equal(t, map[string]string{"/main.ts": "x"}, f.builders[0].last())
	assert.Equal(t, map[string]string{"/main.ts": "x"}, s.Draft())
	assert.Error(t, s.EditFile("  ", "x"))
}

func TestEvictionClosesBuilder(t *testing.T) {
	m, f := newManager(t, Config{Size: 2, TTL: time.Hour})

	first, err := m.Create(nil)
	require.NoError(t, err)
	_, err = m.Create(nil)
	require.NoError(t, err)
	_, err = m.Create(nil)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	_, err = m.Get(first.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.Eventually(t, f.builders[0].closed.Load, time.Second, 5*time.Millisecond)
	assert.False(t, f.builders[1].closed.Load())
}

func TestExpiry(t *testing.T) {
	m, f := newManager(t, Config{Size: 4, TTL: 50 * time.Millisecond})
	s, err := m.Create(nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := m.Get(s.ID)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, f.builders[0].closed.Load, 2*time.Second, 5*time.Millisecond)
}

func TestDeleteAndClose(t *testing.T) {
	m, f := newManager(t, DefaultConfig())
	a, err := m.Create(nil)
	require.NoError(t, err)
	_, err = m.Create(nil)
	require.NoError(t, err)

	assert.True(t, m.Delete(a.ID))
	assert.False(t, m.Delete(a.ID))

	require.NoError(t, m.Close())
	for _, b := range f.builders {
		assert.True(t, b.closed.Load())
	}
	_, err = m.Create(nil)
	assert.ErrorIs(t, err, ErrClosed)
}
