package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/channel"
	"github.com/GriffinCanCode/tsingtao/internal/domain/resolver"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

const shutdownGrace = time.Second

// Host is the builder's side of a sandbox: it owns the pipe and the
// runtime goroutine behind it
type Host struct {
	id     string
	end    *channel.Endpoint
	events chan channel.Message
	cancel context.CancelFunc
	logger *zap.Logger

	served chan struct{}
	pumped chan struct{}
	once   sync.Once
}

// HostOption customizes a Host
type HostOption func(*Runtime)

// WithRecorder reports sandbox events to rec
func WithRecorder(rec Recorder) HostOption {
	return func(rt *Runtime) {
		rt.recorder = rec
	}
}

// NewHost starts a runtime on its own goroutine
func NewHost(cfg Config, fetcher ModuleFetcher, r *resolver.Resolver, logger *zap.Logger, opts ...HostOption) (*Host, error) {
	if fetcher == nil {
		return nil, errors.New("sandbox requires a module fetcher")
	}
	if r == nil {
		return nil, errors.New("sandbox requires a resolver")
	}
	cfg = cfg.withDefaults()

	id := uuid.NewString()
	logger = logger.With(zap.String("sandbox_id", id))

	rt := NewRuntime(cfg, fetcher, r, logger)
	for _, opt := range opts {
		opt(rt)
	}

	hostEnd, sandboxEnd := channel.Pipe(cfg.Capacity)
	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		id:     id,
		end:    hostEnd,
		events: make(chan channel.Message, cfg.Capacity),
		cancel: cancel,
		logger: logger,
		served: make(chan struct{}),
		pumped: make(chan struct{}),
	}

	go func() {
		defer close(h.served)
		defer sandboxEnd.Close()
		if err := rt.Serve(ctx, sandboxEnd); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("Sandbox runtime stopped", zap.Error(err))
		}
	}()
	go h.pump(ctx)

	return h, nil
}

// ID identifies the sandbox instance in logs
func (h *Host) ID() string {
	return h.id
}

// Load asks the sandbox to replace its page with source
func (h *Host) Load(ctx context.Context, gen types.Generation, source string) error {
	return h.send(ctx, channel.Load(gen, source))
}

// Resize changes the viewport the page lays out against
func (h *Host) Resize(ctx context.Context, width, height float64) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid viewport %gx%g", width, height)
	}
	return h.send(ctx, channel.Resize(width, height))
}

func (h *Host) send(ctx context.Context, msg channel.Message) error {
	err := h.end.Send(ctx, msg)
	if errors.Is(err, channel.ErrClosed) {
		return ErrUnavailable
	}
	return err
}

// Events delivers sandbox messages in order. It is closed after Close.
func (h *Host) Events() <-chan channel.Message {
	return h.events
}

// pump moves events off the pipe so the runtime never blocks on a slow
// reader for longer than the events buffer allows
func (h *Host) pump(ctx context.Context) {
	defer close(h.pumped)
	defer close(h.events)
	for {
		msg, err := h.end.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) || ctx.Err() != nil {
				return
			}
			h.logger.Warn("Dropping undecodable event", zap.Error(err))
			continue
		}
		select {
		case h.events <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the runtime and waits for it. Safe to call more than once.
func (h *Host) Close() error {
	h.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = h.end.Send(ctx, channel.Shutdown())

		select {
		case <-h.served:
		case <-ctx.Done():
		}
		h.cancel()
		_ = h.end.Close()
		<-h.served
		<-h.pumped
		h.logger.Debug("Sandbox closed")
	})
	return nil
}
