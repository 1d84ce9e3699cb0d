package builder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/bundler"
	"github.com/GriffinCanCode/tsingtao/internal/domain/cdn"
	"github.com/GriffinCanCode/tsingtao/internal/domain/orchestrator"
	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
	"github.com/GriffinCanCode/tsingtao/internal/domain/sandbox"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// ErrClosed is returned by SetFiles and Resize after Close
var ErrClosed = errors.New("builder closed")

// Metrics observes builds and the sandbox
type Metrics interface {
	orchestrator.Recorder
	sandbox.Recorder
}

// Config tunes one builder
type Config struct {
	// Entry overrides the default entry file probing
	Entry        string
	Orchestrator orchestrator.Config
	Sandbox      sandbox.Config
}

// DefaultConfig returns the component defaults
func DefaultConfig() Config {
	return Config{
		Orchestrator: orchestrator.DefaultConfig(),
		Sandbox:      sandbox.DefaultConfig(),
	}
}

type options struct {
	cfg      Config
	resolver *resolver.Resolver
	bundler  orchestrator.Bundler
	fetcher  sandbox.ModuleFetcher
	metrics  Metrics
	logger   *zap.Logger
}

// Option customizes a Builder. Services share the resolver, bundler and
// fetcher across builders; each builder owns its sandbox and orchestrator.
type Option func(*options)

func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithResolver(r *resolver.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithBundler(b orchestrator.Bundler) Option {
	return func(o *options) { o.bundler = b }
}

func WithFetcher(f sandbox.ModuleFetcher) Option {
	return func(o *options) { o.fetcher = f }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Builder turns a set of virtual files into a live preview. Every
// SetFiles is a new generation; onResize follows the displayed height.
type Builder struct {
	entry  string
	host   *sandbox.Host
	orch   *orchestrator.Orchestrator
	logger *zap.Logger

	mu     sync.Mutex
	closed bool // Protected by mu
}

// New starts a builder and applies initialFiles as its first generation
func New(initialFiles map[string]string, onResize func(height float64), opts ...Option) (*Builder, error) {
	o := options{cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	var err error
	if o.resolver == nil {
		if o.resolver, err = resolver.New(resolver.Config{}); err != nil {
			return nil, err
		}
	}
	if o.bundler == nil {
		if o.bundler, err = bundler.New(o.resolver, bundler.DefaultOptions(), o.logger); err != nil {
			return nil, fmt.Errorf("failed to create bundler: %w", err)
		}
	}
	if o.fetcher == nil {
		if o.fetcher, err = cdn.New(cdn.DefaultConfig(), o.logger); err != nil {
			return nil, fmt.Errorf("failed to create CDN fetcher: %w", err)
		}
	}

	var hostOpts []sandbox.HostOption
	orchOpts := []orchestrator.Option{orchestrator.WithResizeHandler(onResize)}
	if o.metrics != nil {
		hostOpts = append(hostOpts, sandbox.WithRecorder(o.metrics))
		orchOpts = append(orchOpts, orchestrator.WithRecorder(o.metrics))
	}

	host, err := sandbox.NewHost(o.cfg.Sandbox, o.fetcher, o.resolver, o.logger, hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	orch, err := orchestrator.New(o.bundler, host, o.cfg.Orchestrator, o.logger, orchOpts...)
	if err != nil {
		_ = host.Close()
		return nil, err
	}

	b := &Builder{
		entry:  o.cfg.Entry,
		host:   host,
		orch:   orch,
		logger: o.logger.With(zap.String("sandbox_id", host.ID())),
	}
	if _, err := b.SetFiles(initialFiles); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// SetFiles replaces the whole file set and starts a new generation, even
// when nothing changed. files is copied.
func (b *Builder) SetFiles(files map[string]string) (types.Generation, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	snap, err := vfs.NewSnapshot(files, b.entry)
	if err != nil {
		return 0, fmt.Errorf("invalid file set: %w", err)
	}
	gen, err := b.orch.Apply(snap)
	if errors.Is(err, orchestrator.ErrClosed) {
		return 0, ErrClosed
	}
	return gen, err
}

// Resize changes the sandbox viewport
func (b *Builder) Resize(ctx context.Context, width, height float64) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.host.Resize(ctx, width, height)
}

// State returns the orchestrator's current view
func (b *Builder) State() orchestrator.State {
	return b.orch.State()
}

// Subscribe streams lifecycle updates until the returned func is called
func (b *Builder) Subscribe() (<-chan orchestrator.Update, func()) {
	return b.orch.Subscribe()
}

// Close stops the orchestrator, then the sandbox
func (b *Builder) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.orch.Close()
	if herr := b.host.Close(); herr != nil {
		err = errors.Join(err, herr)
	}
	b.logger.Debug("Builder closed")
	return err
}
