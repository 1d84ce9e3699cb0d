/*
Package sandbox executes build artifacts in an isolated JavaScript runtime.

# Overview

A Runtime runs on its own goroutine with a goja VM and talks to the rest of
the builder only through a channel.Endpoint. Every Load creates a new page:
a fresh VM, document, timer set and module registry. Nothing carries over
from the previous page, and timers armed by a replaced page never fire
into its successor.

# Page Environment

Scripts see a browser-shaped global scope:

  - document and window with a small DOM (createElement, appendChild,
    querySelector, style, classList, events)
  - innerWidth and innerHeight from the current viewport
  - setTimeout, setInterval, requestAnimationFrame, queueMicrotask
  - console, captured and logged at debug level
  - require, process, module and exports are removed

The artifact is rewritten to CommonJS and its CDN imports are fetched
through a ModuleFetcher, rewritten the same way and linked with a per-page
require. A failed fetch throws an Error named FetchError into the page.

# Limits

Each macrotask (the module body, a timer callback, an animation frame, a
resize handler) runs under Config.ScriptTimeout. The clock is paused while
the page waits on the network. A new Load interrupts whatever the current
page is running.

# Events

After each macrotask the runtime reports errors and unhandled promise
rejections as RuntimeError, and the document height as Rendered when it
changed. Ready follows the module body of every Load that was not
replaced. Unavailable means the page could not be created.

# Usage Example

	host, err := sandbox.NewHost(sandbox.DefaultConfig(), fetcher, resolver, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	_ = host.Load(ctx, 1, artifact.Source)
	for msg := range host.Events() {
		fmt.Println(msg)
	}
*/
package sandbox
