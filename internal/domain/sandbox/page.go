package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tsingtao/internal/types"
)

// page is one loaded artifact: a fresh VM, document and timer set. Nothing
// survives from one page to the next.
type page struct {
	seq    uint64
	gen    types.Generation
	cfg    Config
	vm     *goja.Runtime
	doc    *Document
	layout *Layout
	logger *zap.Logger
	start  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	aborted atomic.Bool

	nodeProto *goja.Object
	objs      map[*Node]*goja.Object
	nodes     map[*goja.Object]*Node
	styles    map[*Node]goja.Value
	listeners map[*Node]map[string][]goja.Value
	window    map[string][]goja.Value

	tasks     chan<- task
	timers    map[int]*timer
	nextTimer int
	watchdog  *time.Timer

	loader     *moduleLoader
	rejections []*goja.Promise
	console    []LogEntry
	height     float64
}

type task struct {
	seq   uint64
	timer int
}

type timer struct {
	id     int
	fn     goja.Callable
	args   []goja.Value
	delay  time.Duration
	repeat bool
	frame  bool
	t      *time.Timer
}

const maxConsole = 200

func newPage(ctx context.Context, seq uint64, gen types.Generation, cfg Config, viewport Viewport, tasks chan<- task, logger *zap.Logger) (p *page, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("failed to create execution context: %v", r)
		}
	}()

	pageCtx, cancel := context.WithCancel(ctx)
	p = &page{
		seq:       seq,
		gen:       gen,
		cfg:       cfg,
		vm:        goja.New(),
		doc:       NewDocument(),
		layout:    &Layout{Viewport: viewport, LineHeight: cfg.LineHeight},
		logger:    logger,
		start:     time.Now(),
		ctx:       pageCtx,
		cancel:    cancel,
		objs:      make(map[*Node]*goja.Object),
		nodes:     make(map[*goja.Object]*Node),
		styles:    make(map[*Node]goja.Value),
		listeners: make(map[*Node]map[string][]goja.Value),
		window:    make(map[string][]goja.Value),
		tasks:     tasks,
		timers:    make(map[int]*timer),
		height:    -1,
	}
	p.vm.SetMaxCallStackSize(cfg.MaxCallStack)
	p.vm.SetPromiseRejectionTracker(p.trackRejection)

	if err := p.setupGlobals(); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

// setupGlobals removes host-only globals and installs the browser surface
func (p *page) setupGlobals() error {
	vm := p.vm
	global := vm.GlobalObject()

	for _, name := range []string{"require", "process", "module", "exports", "global"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return err
		}
	}

	p.installNodePrototype()
	document := p.installDocument()

	_ = global.Set("window", global)
	_ = global.Set("self", global)
	_ = global.Set("document", document)
	_ = global.Set("devicePixelRatio", 1)
	viewport := func(get func() float64) goja.Value {
		return vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(get()) })
	}
	_ = global.DefineAccessorProperty("innerWidth",
		viewport(func() float64 { return p.layout.Viewport.Width }), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)
	_ = global.DefineAccessorProperty("innerHeight",
		viewport(func() float64 { return p.layout.Viewport.Height }), nil, goja.FLAG_TRUE, goja.FLAG_TRUE)

	_ = global.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		kind := call.Argument(0).String()
		p.window[kind] = append(p.window[kind], call.Argument(1))
		return goja.Undefined()
	})
	_ = global.Set("removeEventListener", func(call goja.FunctionCall) goja.Value {
		kind := call.Argument(0).String()
		p.window[kind] = without(p.window[kind], call.Argument(1))
		return goja.Undefined()
	})
	_ = global.Set("getComputedStyle", func(call goja.FunctionCall) goja.Value {
		return p.style(p.arg(call, 0))
	})
	_ = global.Set("matchMedia", func(call goja.FunctionCall) goja.Value {
		mql := vm.NewObject()
		_ = mql.Set("matches", false)
		_ = mql.Set("media", call.Argument(0).String())
		for _, name := range []string{"addListener", "removeListener", "addEventListener", "removeEventListener"} {
			_ = mql.Set(name, func(goja.FunctionCall) goja.Value { return goja.Undefined() })
		}
		return mql
	})

	location := vm.NewObject()
	for k, v := range map[string]string{
		"href": "about:srcdoc", "protocol": "about:", "host": "", "hostname": "",
		"origin": "null", "pathname": "srcdoc", "search": "", "hash": "",
	} {
		_ = location.Set(k, v)
	}
	_ = global.Set("location", location)

	navigator := vm.NewObject()
	_ = navigator.Set("userAgent", "Mozilla/5.0 (tsingtao sandbox)")
	_ = navigator.Set("language", "en-US")
	_ = navigator.Set("languages", vm.NewArray("en-US"))
	_ = navigator.Set("onLine", true)
	_ = global.Set("navigator", navigator)

	performance := vm.NewObject()
	_ = performance.Set("now", func(goja.FunctionCall) goja.Value { return vm.ToValue(p.now()) })
	_ = global.Set("performance", performance)

	p.installTimers(global)
	if _, err := vm.RunString(microtasks); err != nil {
		return err
	}
	if p.cfg.EnableConsole {
		p.installConsole(global)
	}
	return nil
}

func (p *page) installConsole(global *goja.Object) {
	console := p.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = console.Set(level, p.consoleFunc(level))
	}
	_ = global.Set("console", console)
}

func (p *page) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		entry := LogEntry{Level: level, Message: strings.Join(parts, " "), Time: time.Now()}
		if len(p.console) < maxConsole {
			p.console = append(p.console, entry)
		}
		p.logger.Debug("Page console",
			zap.Uint64("generation", uint64(p.gen)),
			zap.String("level", level),
			zap.String("message", entry.Message))
		return goja.Undefined()
	}
}

func (p *page) installTimers(global *goja.Object) {
	vm := p.vm

	schedule := func(call goja.FunctionCall, repeat bool) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("timer callback must be a function"))
		}
		ms := call.Argument(1).ToFloat()
		if math.IsNaN(ms) || ms < 0 {
			ms = 0
		}
		delay := time.Duration(ms * float64(time.Millisecond))
		if repeat && delay < 4*time.Millisecond {
			delay = 4 * time.Millisecond
		}
		var args []goja.Value
		if len(call.Arguments) > 2 {
			args = append(args, call.Arguments[2:]...)
		}
		return vm.ToValue(p.addTimer(&timer{fn: fn, args: args, delay: delay, repeat: repeat}))
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		p.clearTimer(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	}

	_ = global.Set("setTimeout", func(call goja.FunctionCall) goja.Value { return schedule(call, false) })
	_ = global.Set("setInterval", func(call goja.FunctionCall) goja.Value { return schedule(call, true) })
	_ = global.Set("clearTimeout", cancel)
	_ = global.Set("clearInterval", cancel)
	_ = global.Set("requestAnimationFrame", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(vm.NewTypeError("frame callback must be a function"))
		}
		return vm.ToValue(p.addTimer(&timer{fn: fn, delay: p.cfg.FrameInterval, frame: true}))
	})
	_ = global.Set("cancelAnimationFrame", cancel)
}

const microtasks = `globalThis.queueMicrotask = function queueMicrotask(fn) {
  if (typeof fn !== "function") throw new TypeError("microtask callback must be a function");
  Promise.resolve().then(fn);
};`

func (p *page) addTimer(t *timer) int {
	if len(p.timers) >= p.cfg.MaxTimers {
		panic(p.vm.NewGoError(fmt.Errorf("too many pending timers (limit %d)", p.cfg.MaxTimers)))
	}
	p.nextTimer++
	t.id = p.nextTimer
	p.timers[t.id] = t
	p.arm(t)
	return t.id
}

// arm posts the timer to the runtime loop when it is due. The post carries
// the page sequence so a replaced page's timers are ignored.
func (p *page) arm(t *timer) {
	seq, id, tasks, done := p.seq, t.id, p.tasks, p.ctx.Done()
	t.t = time.AfterFunc(t.delay, func() {
		select {
		case tasks <- task{seq: seq, timer: id}:
		case <-done:
		}
	})
}

func (p *page) clearTimer(id int) {
	if t, ok := p.timers[id]; ok {
		t.t.Stop()
		delete(p.timers, id)
	}
}

// fire runs a due timer as one macrotask
func (p *page) fire(id int) error {
	t, ok := p.timers[id]
	if !ok {
		return nil
	}
	if !t.repeat {
		delete(p.timers, id)
	}

	args := t.args
	if t.frame {
		args = []goja.Value{p.vm.ToValue(p.now())}
	}
	err := p.run(func() error {
		_, err := t.fn(goja.Undefined(), args...)
		return err
	})

	if t.repeat {
		if _, still := p.timers[id]; still {
			p.arm(t)
		}
	}
	return err
}

// run executes one macrotask under the script time limit. Promise jobs
// queued by the task run before it returns.
func (p *page) run(fn func() error) (err error) {
	if p.aborted.Load() {
		return errAborted
	}
	p.watchdog = time.AfterFunc(p.cfg.ScriptTimeout, func() {
		p.vm.Interrupt(errScriptTimeout)
	})
	defer func() {
		p.watchdog.Stop()
		if !p.aborted.Load() {
			p.vm.ClearInterrupt()
		}
	}()
	return fn()
}

// pause stops the time limit while the page waits on the network
func (p *page) pause() {
	if p.watchdog != nil {
		p.watchdog.Stop()
	}
}

func (p *page) resume() {
	if p.watchdog != nil {
		p.watchdog.Reset(p.cfg.ScriptTimeout)
	}
}

// abort interrupts whatever the page is running. Safe from any goroutine.
func (p *page) abort() {
	if p.aborted.Swap(true) {
		return
	}
	p.cancel()
	p.vm.Interrupt(errAborted)
}

// close stops every timer; the page never runs again
func (p *page) close() {
	p.cancel()
	for id, t := range p.timers {
		t.t.Stop()
		delete(p.timers, id)
	}
}

// resize updates the viewport and notifies the page's resize listeners
func (p *page) resize(v Viewport) error {
	p.layout.Viewport = v
	event := p.vm.NewObject()
	_ = event.Set("type", "resize")
	listeners := append([]goja.Value(nil), p.window["resize"]...)
	return p.run(func() error {
		for _, l := range listeners {
			if err := p.invoke(l, event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *page) listen(n *Node, kind string, fn goja.Value) {
	if p.listeners[n] == nil {
		p.listeners[n] = make(map[string][]goja.Value)
	}
	p.listeners[n][kind] = append(p.listeners[n][kind], fn)
}

func (p *page) unlisten(n *Node, kind string, fn goja.Value) {
	if byKind := p.listeners[n]; byKind != nil {
		byKind[kind] = without(byKind[kind], fn)
	}
}

func (p *page) dispatch(n *Node, kind string, event goja.Value) {
	for _, l := range append([]goja.Value(nil), p.listeners[n][kind]...) {
		if err := p.invoke(l, event); err != nil {
			panic(err)
		}
	}
}

// invoke calls a listener, which may be a function or an object with
// handleEvent
func (p *page) invoke(listener, event goja.Value) error {
	if fn, ok := goja.AssertFunction(listener); ok {
		_, err := fn(goja.Undefined(), event)
		return err
	}
	if obj, ok := listener.(*goja.Object); ok {
		if fn, ok := goja.AssertFunction(obj.Get("handleEvent")); ok {
			_, err := fn(obj, event)
			return err
		}
	}
	return nil
}

func (p *page) trackRejection(promise *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		p.rejections = append(p.rejections, promise)
	case goja.PromiseRejectionHandle:
		kept := p.rejections[:0]
		for _, r := range p.rejections {
			if r != promise {
				kept = append(kept, r)
			}
		}
		p.rejections = kept
	}
}

// unhandled drains promise rejections nobody handled during the last task
func (p *page) unhandled() []error {
	var errs []error
	for _, promise := range p.rejections {
		if promise.State() == goja.PromiseStateRejected {
			errs = append(errs, &rejection{value: promise.Result()})
		}
	}
	p.rejections = nil
	return errs
}

// measure returns the document height and whether it changed since the
// last measurement
func (p *page) measure() (float64, bool) {
	h := p.layout.DocumentHeight(p.doc)
	if h == p.height {
		return h, false
	}
	p.height = h
	return h, true
}

func (p *page) now() float64 {
	return float64(time.Since(p.start).Microseconds()) / 1000
}

type rejection struct {
	value goja.Value
}

func (r *rejection) Error() string {
	return "Uncaught (in promise) " + valueString(r.value)
}

// describe turns a script failure into a message and stack
func describe(err error) (message, stack string) {
	var interrupted *goja.InterruptedError
	var exception *goja.Exception
	var rej *rejection

	switch {
	case errors.As(err, &interrupted):
		if cause, ok := interrupted.Value().(error); ok {
			return cause.Error(), interrupted.String()
		}
		return fmt.Sprint(interrupted.Value()), interrupted.String()
	case errors.As(err, &rej):
		return rej.Error(), stackOf(rej.value)
	case errors.As(err, &exception):
		return valueString(exception.Value()), firstNonEmpty(stackOf(exception.Value()), exception.String())
	}
	return err.Error(), ""
}

func valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		name, msg := obj.Get("name"), obj.Get("message")
		if msg != nil && !goja.IsUndefined(msg) {
			if name != nil && !goja.IsUndefined(name) && name.String() != "" {
				return name.String() + ": " + msg.String()
			}
			return msg.String()
		}
	}
	return v.String()
}

func stackOf(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return ""
	}
	stack := obj.Get("stack")
	if stack == nil || goja.IsUndefined(stack) || goja.IsNull(stack) {
		return ""
	}
	return stack.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func without(values []goja.Value, v goja.Value) []goja.Value {
	out := values[:0]
	for _, existing := range values {
		if !existing.StrictEquals(v) {
			out = append(out, existing)
		}
	}
	return out
}
