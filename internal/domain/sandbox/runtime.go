package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/channel"
	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
)

// Runtime executes artifacts on its own goroutine. It speaks to the host
// only through a channel endpoint and keeps exactly one page alive.
type Runtime struct {
	cfg      Config
	fetcher  ModuleFetcher
	resolver *resolver.Resolver
	recorder Recorder
	logger   *zap.Logger

	viewport Viewport
	tasks    chan task
	seq      uint64

	// latest is the generation of the newest Load received
	latest atomic.Uint64

	mu      sync.Mutex
	current *page
}

// NewRuntime creates a runtime; call Serve to run it
func NewRuntime(cfg Config, fetcher ModuleFetcher, r *resolver.Resolver, logger *zap.Logger) *Runtime {
	cfg = cfg.withDefaults()
	return &Runtime{
		cfg:      cfg,
		fetcher:  fetcher,
		resolver: r,
		logger:   logger,
		viewport: cfg.Viewport,
		tasks:    make(chan task, cfg.Capacity),
	}
}

// Serve handles messages from end until Shutdown, the pipe closes or ctx
// ends. Only one Serve may run per runtime.
func (rt *Runtime) Serve(ctx context.Context, end *channel.Endpoint) error {
	inbox := make(chan channel.Message)
	go rt.receive(ctx, end, inbox)
	defer rt.teardown()

	rt.logger.Debug("Sandbox runtime started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			switch msg.Type {
			case channel.TypeLoad:
				rt.load(ctx, end, msg)
			case channel.TypeResize:
				rt.resize(ctx, end, msg)
			case channel.TypeShutdown:
				rt.logger.Debug("Sandbox runtime shutting down")
				return nil
			default:
				rt.logger.Warn("Ignoring unexpected message", zap.Stringer("message", msg))
			}

		case t := <-rt.tasks:
			rt.fire(ctx, end, t)
		}
	}
}

// receive forwards messages to the loop. A Load or Shutdown interrupts the
// running page first so a busy page cannot delay its replacement.
func (rt *Runtime) receive(ctx context.Context, end *channel.Endpoint, inbox chan<- channel.Message) {
	defer close(inbox)
	for {
		msg, err := end.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return
			}
			rt.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case channel.TypeLoad:
			rt.latest.Store(uint64(msg.Generation))
			rt.interrupt()
		case channel.TypeShutdown:
			rt.interrupt()
		}

		select {
		case inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (rt *Runtime) interrupt() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.current != nil {
		rt.current.abort()
	}
}

// load replaces the current page with a fresh one running msg.Source
func (rt *Runtime) load(ctx context.Context, end *channel.Endpoint, msg channel.Message) {
	start := time.Now()
	gen := msg.Generation
	logger := rt.logger.With(zap.Uint64("generation", uint64(gen)))

	rt.teardown()
	rt.seq++
	p, err := newPage(ctx, rt.seq, gen, rt.cfg, rt.viewport, rt.tasks, logger)
	if err != nil {
		logger.Error("Failed to initialize page", zap.Error(err))
		rt.event("unavailable")
		rt.send(ctx, end, channel.Unavailable(gen, err.Error()))
		return
	}
	p.loader = newModuleLoader(p, rt.fetcher, rt.resolver)

	rt.mu.Lock()
	rt.current = p
	rt.mu.Unlock()
	if rt.latest.Load() != uint64(gen) {
		// a newer Load is already queued
		p.abort()
	}

	err = p.run(func() error { return p.loader.main(msg.Source) })
	if p.aborted.Load() {
		logger.Debug("Page replaced before it finished loading")
		return
	}
	rt.report(ctx, end, p, err)

	elapsed := time.Since(start)
	if rt.recorder != nil {
		rt.recorder.RecordPageLoad(elapsed)
	}
	logger.Debug("Page loaded",
		zap.Duration("duration", elapsed),
		zap.Int("modules", len(p.loader.modules)))

	rt.event("ready")
	rt.send(ctx, end, channel.Ready(gen))
	rt.flush(ctx, end, p)
}

func (rt *Runtime) resize(ctx context.Context, end *channel.Endpoint, msg channel.Message) {
	if msg.Width <= 0 || msg.Height <= 0 {
		return
	}
	rt.viewport = Viewport{Width: msg.Width, Height: msg.Height}
	p := rt.page()
	if p == nil {
		return
	}
	err := p.resize(rt.viewport)
	if p.aborted.Load() {
		return
	}
	rt.report(ctx, end, p, err)
	rt.flush(ctx, end, p)
}

// fire runs a due timer of the current page; timers of replaced pages are
// dropped
func (rt *Runtime) fire(ctx context.Context, end *channel.Endpoint, t task) {
	p := rt.page()
	if p == nil || p.seq != t.seq {
		return
	}
	err := p.fire(t.timer)
	if p.aborted.Load() {
		return
	}
	rt.report(ctx, end, p, err)
	rt.flush(ctx, end, p)
}

// report sends the macrotask's error and any unhandled rejections
func (rt *Runtime) report(ctx context.Context, end *channel.Endpoint, p *page, err error) {
	errs := p.unhandled()
	if err != nil {
		errs = append([]error{err}, errs...)
	}
	for _, e := range errs {
		message, stack := describe(e)
		p.logger.Debug("Page error", zap.String("message", message))
		rt.event("runtime_error")
		rt.send(ctx, end, channel.RuntimeError(p.gen, message, stack))
	}
}

// flush reports the document height when it changed
func (rt *Runtime) flush(ctx context.Context, end *channel.Endpoint, p *page) {
	if h, changed := p.measure(); changed {
		rt.event("rendered")
		rt.send(ctx, end, channel.Rendered(p.gen, h))
	}
}

func (rt *Runtime) send(ctx context.Context, end *channel.Endpoint, msg channel.Message) {
	if err := end.Send(ctx, msg); err != nil {
		rt.logger.Debug("Failed to send event", zap.Stringer("message", msg), zap.Error(err))
	}
}

func (rt *Runtime) event(kind string) {
	if rt.recorder != nil {
		rt.recorder.RecordSandboxEvent(kind)
	}
}

func (rt *Runtime) page() *page {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.current
}

// teardown closes the current page
func (rt *Runtime) teardown() {
	rt.mu.Lock()
	p := rt.current
	rt.current = nil
	rt.mu.Unlock()
	if p != nil {
		p.close()
	}
}
