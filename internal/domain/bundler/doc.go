/*
Package bundler compiles a virtual file snapshot into one browser ES module.

The pipeline wraps esbuild's Go API. A plugin serves every local import from
the snapshot under the "vfs" namespace and marks every package import
external at its CDN URL, so the artifact contains the application code and
nothing else:

	import { Mesh } from "https://esm.sh/three@latest";

Failures never escape as Go errors. Resolution and compile problems come
back as diagnostics on the outcome, each tagged with the file that caused
it. Build only returns an error when its context ends first, in which case
the outcome is meaningless and the caller decides between Timeout and
Superseded.

Usage:

	p, _ := bundler.New(r, bundler.DefaultOptions(), logger)
	outcome, err := p.Build(ctx, snapshot)
*/
package bundler
