package types

// Generation identifies one build attempt. Zero means "none".
type Generation uint64

// BuildStatus tracks a generation through the orchestrator
type BuildStatus string

const (
	StatusPending    BuildStatus = "pending"
	StatusRunning    BuildStatus = "running"
	StatusSucceeded  BuildStatus = "succeeded"
	StatusFailed     BuildStatus = "failed"
	StatusSuperseded BuildStatus = "superseded"
)

// Terminal reports whether no further transition is allowed
func (s BuildStatus) Terminal() bool {
	return s == StatusFailed || s == StatusSuperseded
}

// Artifact is the single executable output of a successful build
type Artifact struct {
	Source    string   `json:"source"`
	Entry     string   `json:"entry"`
	Modules   []string `json:"modules"`
	Externals []string `json:"externals"`
	Hash      string   `json:"hash"`
}

// Outcome is either an artifact or a non-empty list of error diagnostics.
// Warnings may accompany a successful artifact.
type Outcome struct {
	Artifact    *Artifact    `json:"artifact,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// Succeeded reports whether the outcome carries an artifact
func (o Outcome) Succeeded() bool {
	return o.Artifact != nil
}

// Success builds a successful outcome
func Success(artifact *Artifact, warnings []Diagnostic) Outcome {
	return Outcome{Artifact: artifact, Diagnostics: warnings}
}

// Failure builds a failed outcome
func Failure(diags ...Diagnostic) Outcome {
	return Outcome{Diagnostics: diags}
}

// BuildResult tags an outcome with its generation
type BuildResult struct {
	Generation Generation `json:"generation"`
	Outcome
}
