// Package cdn downloads ES module sources for the sandbox's module loader.
//
// Requests go through a rate limiter, a circuit breaker and a retrying
// transport. Sources are cached by URL in a bounded LRU.
package cdn
