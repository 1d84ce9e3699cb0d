package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/domain/channel"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// maxDiagnostics caps runtime errors appended to the current list
const maxDiagnostics = 200

// build is one generation's bookkeeping
type build struct {
	gen      types.Generation
	status   types.BuildStatus
	files    *vfs.Snapshot
	started  time.Time
	finished time.Time
	artifact *types.Artifact
	diags    []types.Diagnostic
	cancel   context.CancelFunc
}

type loadRequest struct {
	gen    types.Generation
	source string
}

// Orchestrator owns the build lifecycle. Every Apply issues a generation;
// generations race through the bundler and only the highest may reach the
// sandbox.
type Orchestrator struct {
	bundler  Bundler
	sandbox  Sandbox
	cfg      Config
	logger   *zap.Logger
	recorder Recorder
	onResize func(height float64)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu          sync.Mutex
	closed      bool                        // Protected by mu
	next        types.Generation            // Protected by mu
	builds      map[types.Generation]*build // Protected by mu
	displayed   *build                      // Protected by mu
	loading     *build                      // Protected by mu
	loadHeight  float64                     // Protected by mu
	watchdog    *time.Timer                 // Protected by mu
	pendingLoad *loadRequest                // Protected by mu
	height      float64                     // Protected by mu
	diags       []types.Diagnostic          // Protected by mu
	subs        map[int]chan Update         // Protected by mu
	nextSub     int                         // Protected by mu
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithRecorder reports finished generations to rec
func WithRecorder(rec Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = rec
	}
}

// WithResizeHandler calls fn whenever the displayed height changes. fn
// runs on the event goroutine without locks held.
func WithResizeHandler(fn func(height float64)) Option {
	return func(o *Orchestrator) {
		o.onResize = fn
	}
}

// New starts an orchestrator consuming sb's events
func New(b Bundler, sb Sandbox, cfg Config, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if b == nil {
		return nil, errors.New("orchestrator requires a bundler")
	}
	if sb == nil {
		return nil, errors.New("orchestrator requires a sandbox")
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		bundler: b,
		sandbox: sb,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		builds:  make(map[types.Generation]*build),
		subs:    make(map[int]chan Update),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(2)
	go o.watch()
	go o.loadLoop()
	return o, nil
}

// Apply issues the next generation for files and returns immediately.
// Older builds still compiling are cancelled; their results are discarded
// when they arrive.
func (o *Orchestrator) Apply(files *vfs.Snapshot) (types.Generation, error) {
	if files == nil {
		return 0, errors.New("apply requires a snapshot")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, ErrClosed
	}

	o.next++
	gen := o.next
	for _, b := range o.builds {
		if b.status == types.StatusPending || b.status == types.StatusRunning {
			b.cancel()
		}
	}
	if o.loading != nil {
		o.supersedeLoading()
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.BuildTimeout)
	b := &build{
		gen:     gen,
		status:  types.StatusPending,
		files:   files,
		started: time.Now(),
		cancel:  cancel,
	}
	o.builds[gen] = b
	o.trim()

	o.logger.Debug("Build issued",
		zap.Uint64("generation", uint64(gen)),
		zap.Int("files", files.Len()))
	o.publish(Update{Kind: UpdateBuildStarted, Generation: gen, Status: types.StatusPending})

	o.wg.Add(1)
	go o.run(ctx, b)
	return gen, nil
}

func (o *Orchestrator) run(ctx context.Context, b *build) {
	defer o.wg.Done()
	defer b.cancel()

	o.mu.Lock()
	if b.status == types.StatusPending {
		b.status = types.StatusRunning
	}
	o.mu.Unlock()

	outcome, err := o.bundler.Build(ctx, b.files)
	o.finish(b, outcome, err)
}

// finish applies a bundler result. Results of anything but the highest
// generation are superseded without side effects.
func (o *Orchestrator) finish(b *build, outcome types.Outcome, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b.finished = time.Now()
	if o.closed {
		return
	}
	if b.gen < o.next || errors.Is(err, context.Canceled) {
		o.settle(b, types.StatusSuperseded)
		return
	}
	if err != nil {
		outcome = types.Failure(types.Diagnostic{
			Kind:    types.KindTimeout,
			Message: fmt.Sprintf("build did not finish within %s", o.cfg.BuildTimeout),
		})
	}

	b.diags = outcome.Diagnostics
	o.diags = append([]types.Diagnostic(nil), outcome.Diagnostics...)

	if !outcome.Succeeded() {
		o.settle(b, types.StatusFailed)
		o.publish(Update{
			Kind:        UpdateBuildResult,
			Generation:  b.gen,
			Status:      b.status,
			Diagnostics: b.diags,
		})
		return
	}

	b.artifact = outcome.Artifact
	o.publish(Update{
		Kind:        UpdateBuildResult,
		Generation:  b.gen,
		Status:      b.status,
		Artifact:    b.artifact,
		Diagnostics: b.diags,
	})
	o.startLoad(b)
}

// startLoad sends b to the sandbox and arms the Ready watchdog
func (o *Orchestrator) startLoad(b *build) {
	o.loading = b
	o.loadHeight = -1
	o.requestLoad(b.gen, b.artifact.Source)

	gen := b.gen
	o.watchdog = time.AfterFunc(o.cfg.LoadTimeout, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.closed || o.loading == nil || o.loading.gen != gen {
			return
		}
		o.failLoad(types.Diagnostic{
			Kind:    types.KindTimeout,
			Message: fmt.Sprintf("sandbox did not report ready within %s", o.cfg.LoadTimeout),
		})
	})
}

// failLoad fails the loading generation and puts the last good artifact
// back in front of the user
func (o *Orchestrator) failLoad(diag types.Diagnostic) {
	b := o.loading
	o.stopWatchdog()
	o.loading = nil

	b.diags = append(b.diags, diag)
	o.diags = append(o.diags, diag)
	o.settle(b, types.StatusFailed)
	o.publish(Update{
		Kind:        UpdateBuildResult,
		Generation:  b.gen,
		Status:      b.status,
		Diagnostics: []types.Diagnostic{diag},
	})
	o.reloadDisplayed()
}

// supersedeLoading abandons a generation still waiting for Ready
func (o *Orchestrator) supersedeLoading() {
	b := o.loading
	o.stopWatchdog()
	o.loading = nil
	o.settle(b, types.StatusSuperseded)
	o.reloadDisplayed()
}

func (o *Orchestrator) reloadDisplayed() {
	if o.displayed == nil {
		return
	}
	o.logger.Debug("Reloading displayed generation", zap.Uint64("generation", uint64(o.displayed.gen)))
	o.requestLoad(o.displayed.gen, o.displayed.artifact.Source)
}

// requestLoad replaces any Load not yet sent. Each Load fully replaces the
// sandbox page, so only the newest matters.
func (o *Orchestrator) requestLoad(gen types.Generation, source string) {
	o.pendingLoad = &loadRequest{gen: gen, source: source}
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loadLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.wake:
		}

		o.mu.Lock()
		req := o.pendingLoad
		o.pendingLoad = nil
		o.mu.Unlock()
		if req == nil {
			continue
		}

		if err := o.sandbox.Load(o.ctx, req.gen, req.source); err != nil {
			if o.ctx.Err() != nil {
				return
			}
			o.logger.Warn("Failed to load artifact",
				zap.Uint64("generation", uint64(req.gen)),
				zap.Error(err))
			o.handle(channel.Unavailable(req.gen, err.Error()))
		}
	}
}

func (o *Orchestrator) watch() {
	defer o.wg.Done()
	events := o.sandbox.Events()
	for {
		select {
		case <-o.ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			o.handle(msg)
		}
	}
}

// handle applies one sandbox event. Only the loading and displayed
// generations are listened to.
func (o *Orchestrator) handle(msg channel.Message) {
	o.mu.Lock()
	var resized bool
	switch {
	case o.closed:
	case o.loading != nil && msg.Generation == o.loading.gen:
		resized = o.handleLoading(msg)
	case o.displayed != nil && msg.Generation == o.displayed.gen:
		resized = o.handleDisplayed(msg)
	default:
		o.logger.Debug("Discarding stale sandbox event", zap.Stringer("event", msg))
	}
	height, onResize := o.height, o.onResize
	o.mu.Unlock()

	if resized && onResize != nil {
		onResize(height)
	}
}

func (o *Orchestrator) handleLoading(msg channel.Message) bool {
	b := o.loading
	switch msg.Type {
	case channel.TypeReady:
		o.stopWatchdog()
		o.loading = nil
		if prev := o.displayed; prev != nil {
			o.settle(prev, types.StatusSuperseded)
		}
		o.displayed = b
		o.settle(b, types.StatusSucceeded)
		o.publish(Update{Kind: UpdateReady, Generation: b.gen, Status: b.status})
		if o.loadHeight >= 0 {
			return o.setHeight(b.gen, o.loadHeight)
		}

	case channel.TypeRendered:
		o.loadHeight = msg.Height

	case channel.TypeRuntimeError:
		o.runtimeError(msg)

	case channel.TypeUnavailable:
		o.failLoad(types.Diagnostic{Kind: types.KindSandboxUnavailable, Message: msg.Message})
	}
	return false
}

func (o *Orchestrator) handleDisplayed(msg channel.Message) bool {
	switch msg.Type {
	case channel.TypeRendered:
		return o.setHeight(msg.Generation, msg.Height)
	case channel.TypeRuntimeError:
		o.runtimeError(msg)
	case channel.TypeUnavailable:
		diag := types.Diagnostic{Kind: types.KindSandboxUnavailable, Message: msg.Message}
		o.diags = append(o.diags, diag)
		o.publish(Update{
			Kind:        UpdateRuntimeError,
			Generation:  msg.Generation,
			Diagnostics: []types.Diagnostic{diag},
		})
	}
	return false
}

func (o *Orchestrator) setHeight(gen types.Generation, height float64) bool {
	if height == o.height {
		return false
	}
	o.height = height
	o.publish(Update{Kind: UpdateRendered, Generation: gen, Height: height})
	return true
}

// runtimeError appends a diagnostic; the displayed content stays. Reloading
// the displayed generation runs it again, so an error already listed is only
// published.
func (o *Orchestrator) runtimeError(msg channel.Message) {
	diag := types.Diagnostic{Kind: types.KindRuntimeError, Message: msg.Message, Stack: msg.Stack}
	listed := slices.ContainsFunc(o.diags, func(d types.Diagnostic) bool {
		return d.Kind == diag.Kind && d.Message == diag.Message && d.Stack == diag.Stack
	})
	if !listed && len(o.diags) < maxDiagnostics {
		o.diags = append(o.diags, diag)
	}
	o.publish(Update{
		Kind:        UpdateRuntimeError,
		Generation:  msg.Generation,
		Diagnostics: []types.Diagnostic{diag},
	})
}

func (o *Orchestrator) settle(b *build, status types.BuildStatus) {
	b.status = status
	if b.finished.IsZero() {
		b.finished = time.Now()
	}
	if o.recorder != nil {
		o.recorder.RecordBuild(status, b.finished.Sub(b.started))
	}
	o.logger.Debug("Build settled",
		zap.Uint64("generation", uint64(b.gen)),
		zap.String("status", string(status)),
		zap.Int("diagnostics", len(b.diags)))
}

func (o *Orchestrator) stopWatchdog() {
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
}

// trim forgets the oldest settled generations beyond the history size
func (o *Orchestrator) trim() {
	if len(o.builds) <= o.cfg.History {
		return
	}
	gens := make([]types.Generation, 0, len(o.builds))
	for gen := range o.builds {
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	excess := len(gens) - o.cfg.History
	for _, gen := range gens {
		if excess == 0 {
			break
		}
		b := o.builds[gen]
		if b == o.displayed || b == o.loading || !b.status.Terminal() {
			continue
		}
		delete(o.builds, gen)
		excess--
	}
}

// publish fans u out without blocking; slow subscribers miss updates
func (o *Orchestrator) publish(u Update) {
	for id, ch := range o.subs {
		select {
		case ch <- u:
		default:
			o.logger.Debug("Dropping update for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("kind", string(u.Kind)))
		}
	}
}

// Subscribe returns a stream of updates and a function that ends it
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan Update, o.cfg.UpdateBuffer)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	o.nextSub++
	id := o.nextSub
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
		})
	}
}

// State returns a consistent view of the orchestrator
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := State{
		Generation:  o.next,
		Height:      o.height,
		Diagnostics: append([]types.Diagnostic{}, o.diags...),
	}
	if o.displayed != nil {
		s.Displayed = o.displayed.gen
		s.Artifact = o.displayed.artifact
		s.Files = o.displayed.files
	}
	if o.loading != nil {
		s.Loading = o.loading.gen
	}

	for _, b := range o.builds {
		info := BuildInfo{
			Generation:  b.gen,
			Status:      b.status,
			Started:     b.started,
			Diagnostics: len(b.diags),
		}
		if !b.finished.IsZero() {
			info.Duration = b.finished.Sub(b.started)
		}
		s.Builds = append(s.Builds, info)
	}
	sort.Slice(s.Builds, func(i, j int) bool { return s.Builds[i].Generation < s.Builds[j].Generation })
	return s
}

// Close cancels in-flight builds and waits for every goroutine. The
// sandbox is left to its owner.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.stopWatchdog()
	for id, ch := range o.subs {
		delete(o.subs, id)
		close(ch)
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	return nil
}
