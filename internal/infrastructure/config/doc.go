// Package config provides 12-factor configuration for the preview service.
//
// Values come from the environment, after an optional .env file in the
// working directory, with defaults for everything.
//
// Configuration Sections:
//   - Server: listen address, CORS origins, seed sample directory
//   - Logging: level and output format
//   - RateLimit: per-IP limit on apply requests
//   - Builder: CDN base, version pins, CDN query, build target, JSX runtime
//   - CDN: module download timeout, retries, rate and cache size
//   - Timeouts: build, sandbox load and per-script limits
//   - Sandbox: viewport and layout line height
//   - Sessions: live session limit and TTL
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Listening on %s\n", cfg.Addr())
package config
