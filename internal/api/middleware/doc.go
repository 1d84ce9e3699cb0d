// Package middleware provides the gin middleware of the preview service.
//
// Middleware stack includes:
//   - RequestID: X-Request-ID propagation, generated as a prefixed ULID
//   - Logger: one structured zap line per request
//   - CORS: cross-origin access for editor pages, exposing ETag
//   - RateLimit: per-IP token buckets, applied to build-triggering routes
//
// Example Usage:
//
//	router.Use(middleware.RequestID(), middleware.Logger(logger))
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	apply := router.Group("/", middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
