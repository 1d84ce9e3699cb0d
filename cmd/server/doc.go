// Package main is the entry point for the tsingtao preview builder.
//
// The service turns sets of TypeScript/JSX files into live previews: every
// apply is bundled into one ES module, executed in a sandboxed page and
// reported back with diagnostics and the page's rendered height.
//
// Architecture:
//
//	Editor → REST / WebSocket → Session → Builder → Bundler (esbuild)
//	                                              → Sandbox (goja) → CDN
//
// Commands:
//   - serve: run the HTTP and WebSocket service
//   - build: bundle a sample directory once and print its diagnostics
//
// Configuration:
//   - Environment variables (12-factor), optionally from a .env file
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Serve sessions seeded from a sample directory
//	tsingtao serve --port 8000 --seed-dir ./samples/counter
//
//	# Development mode (colored logs, debug level)
//	tsingtao serve --dev
//
//	# Bundle once and write the artifact
//	tsingtao build --out dist/app.js ./samples/counter
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
