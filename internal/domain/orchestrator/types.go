package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/tsingtao/internal/domain/channel"
	"github.com/GriffinCanCode/tsingtao/internal/domain/vfs"
	"github.com/GriffinCanCode/tsingtao/internal/types"
)

var ErrClosed = errors.New("orchestrator closed")

// Bundler compiles one snapshot. It returns an error only when ctx ended
// before an outcome was reached.
type Bundler interface {
	Build(ctx context.Context, files *vfs.Snapshot) (types.Outcome, error)
}

// Sandbox runs artifacts and reports what they did
type Sandbox interface {
	Load(ctx context.Context, gen types.Generation, source string) error
	Events() <-chan channel.Message
}

// Recorder observes finished generations, e.g. for metrics
type Recorder interface {
	RecordBuild(status types.BuildStatus, duration time.Duration)
}

// Config tunes the orchestrator
type Config struct {
	// BuildTimeout bounds one compile
	BuildTimeout time.Duration
	// LoadTimeout bounds the wait for Ready after a Load
	LoadTimeout time.Duration
	// History is how many generations State reports
	History int
	// UpdateBuffer is each subscriber's queue; a full queue drops updates
	UpdateBuffer int
}

func DefaultConfig() Config {
	return Config{
		BuildTimeout: 30 * time.Second,
		LoadTimeout:  10 * time.Second,
		History:      32,
		UpdateBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.History <= 0 {
		c.History = d.History
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = d.UpdateBuffer
	}
	return c
}

// UpdateKind names what changed
type UpdateKind string

const (
	UpdateBuildStarted UpdateKind = "build_started"
	UpdateBuildResult  UpdateKind = "build_result"
	UpdateReady        UpdateKind = "ready"
	UpdateRendered     UpdateKind = "rendered"
	UpdateRuntimeError UpdateKind = "runtime_error"
)

// Update is one observable change. A build_result with an artifact means
// the build compiled and is being loaded; one without means it failed.
type Update struct {
	Kind        UpdateKind         `json:"kind"`
	Generation  types.Generation   `json:"generation"`
	Status      types.BuildStatus  `json:"status,omitempty"`
	Artifact    *types.Artifact    `json:"-"`
	Diagnostics []types.Diagnostic `json:"diagnostics,omitempty"`
	Height      float64            `json:"height,omitempty"`
}

// BuildInfo summarizes one generation
type BuildInfo struct {
	Generation  types.Generation  `json:"generation"`
	Status      types.BuildStatus `json:"status"`
	Started     time.Time         `json:"started"`
	Duration    time.Duration     `json:"duration"`
	Diagnostics int               `json:"diagnostics"`
}

// State is a consistent view of the orchestrator. It shares the immutable
// artifact and snapshot; everything else is copied.
type State struct {
	// Generation is the highest generation issued
	Generation types.Generation `json:"generation"`
	// Displayed is the Succeeded generation the sandbox shows, zero if none
	Displayed types.Generation `json:"displayed"`
	// Loading is a compiled generation waiting for Ready, zero if none
	Loading     types.Generation   `json:"loading,omitempty"`
	Artifact    *types.Artifact    `json:"-"`
	Files       *vfs.Snapshot      `json:"-"`
	Height      float64            `json:"height"`
	Diagnostics []types.Diagnostic `json:"diagnostics"`
	Builds      []BuildInfo        `json:"builds"`
}

// Status returns the recorded status of gen
func (s State) Status(gen types.Generation) (types.BuildStatus, bool) {
	for _, b := range s.Builds {
		if b.Generation == gen {
			return b.Status, true
		}
	}
	return "", false
}
