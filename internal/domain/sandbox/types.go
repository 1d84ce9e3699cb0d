package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/tsingtao/internal/domain/cdn"
)

var (
	// ErrUnavailable is returned once the sandbox has shut down
	ErrUnavailable = errors.New("sandbox unavailable")

	errScriptTimeout = errors.New("script exceeded its time limit")
	errAborted       = errors.New("page replaced")
	errNotChild      = errors.New("the node is not a child of this node")
)

// Config tunes every page a runtime loads
type Config struct {
	Viewport Viewport
	// LineHeight is the height of one line of text in the layout model
	LineHeight float64
	// ScriptTimeout bounds each macrotask: the module body, a timer
	// callback, an animation frame
	ScriptTimeout time.Duration
	// FrameInterval paces requestAnimationFrame
	FrameInterval time.Duration
	// MaxTimers bounds pending timers per page
	MaxTimers     int
	MaxCallStack  int
	EnableConsole bool
	// Capacity is the message buffer in each direction
	Capacity int
}

// DefaultConfig matches an 800x600 preview frame
func DefaultConfig() Config {
	return Config{
		Viewport:      Viewport{Width: 800, Height: 600},
		LineHeight:    20,
		ScriptTimeout: 2 * time.Second,
		FrameInterval: 16 * time.Millisecond,
		MaxTimers:     1024,
		MaxCallStack:  1024,
		EnableConsole: true,
		Capacity:      64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = d.Viewport
	}
	if c.LineHeight <= 0 {
		c.LineHeight = d.LineHeight
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = d.ScriptTimeout
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = d.FrameInterval
	}
	if c.MaxTimers <= 0 {
		c.MaxTimers = d.MaxTimers
	}
	if c.MaxCallStack <= 0 {
		c.MaxCallStack = d.MaxCallStack
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	return c
}

// ModuleFetcher downloads CDN module sources
type ModuleFetcher interface {
	Fetch(ctx context.Context, url string) (*cdn.Module, error)
}

// Recorder observes sandbox activity, e.g. for metrics
type Recorder interface {
	RecordSandboxEvent(kind string)
	RecordPageLoad(duration time.Duration)
}

// LogEntry is one console call made by page code
type LogEntry struct {
	Level   string
	Message string
	Time    time.Time
}
