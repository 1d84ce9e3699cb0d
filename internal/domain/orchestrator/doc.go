/*
Package orchestrator owns the build lifecycle of one live preview.

Each Apply takes an immutable vfs.Snapshot, issues the next generation and
starts compiling it on its own goroutine. Apply never waits for earlier
work: builds still compiling are cancelled best-effort, and whatever they
return later is marked Superseded without touching the visible state.

# States

	Pending -> Running -> Succeeded | Failed | Superseded

A generation that compiles stays Running while the sandbox loads it and
becomes Succeeded on Ready. At most one generation is Succeeded; it is the
one the sandbox shows. A failed build leaves that generation and its
height in place and replaces the diagnostics.

If the sandbox does not report Ready within Config.LoadTimeout, or reports
itself unavailable, the generation fails with a Timeout or
SandboxUnavailable diagnostic and the last good artifact is loaded again.

# Sandbox Events

Events carry the generation they were loaded under. Anything not from the
displayed or loading generation is dropped. Rendered updates the height
and calls the resize handler; RuntimeError appends a diagnostic and never
clears the height.
*/
package orchestrator
