/*
Package resolver classifies import specifiers and rewrites bare package
imports into CDN URLs.

# Classification

  - Relative ("./x", "../x", "/x"): resolved inside the build's vfs.Snapshot,
    probing extensions and index files
  - URL ("https://..."): passed through unchanged
  - Bare ("three", "three@0.160.0", "@react-three/fiber/dist"): rewritten
  - Anything with another scheme ("node:fs", "file:..."): rejected

# CDN URLs

Rewriting is syntactic. No request is made while resolving; a URL that
does not serve a module surfaces later, when the sandbox fetches it.

	<cdn-base>/<name>@<version>[/<subpath>][?<query>]

Unversioned packages use the configured pin or "latest". Because "latest"
moves, two builds of the same files can link different package versions.

# Usage

	r, _ := resolver.New(resolver.Config{CDNBase: "https://esm.sh"})
	session := r.NewSession(snapshot)
	mod, err := session.Resolve("three", "/App.tsx")
	// mod.Path == "https://esm.sh/three@latest"
*/
package resolver
