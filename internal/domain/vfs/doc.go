// Package vfs provides the virtual file set the builder compiles.
//
// A Snapshot is created once per build request and never mutated, so a
// build always sees exactly the files that were present when its
// generation was issued. Hosts replace snapshots wholesale; there is no
// patch operation.
//
// Seeding:
//   - LoadDir reads a sample directory (fastwalk + doublestar globs)
//   - Binary and non UTF-8 files are rejected (mimetype, chardet)
//   - tsingtao.yaml (or tsingtao.toml) optionally names the entry and CDN version pins
//
// Example Usage:
//
//	snap, err := vfs.NewSnapshot(map[string]string{
//	    "/index.tsx": "import './App'",
//	    "/App.tsx":   "export default () => null",
//	}, "")
package vfs
