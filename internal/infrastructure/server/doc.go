// Package server wires the preview service together.
//
// This package orchestrates all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (recovery, request IDs, access log, metrics, CORS)
//   - Per-client rate limiting on apply
//   - One resolver, bundler and CDN fetcher shared by every session
//   - The session manager and its builder factory
//
// Server Lifecycle:
//  1. Load configuration from the environment (and .env)
//  2. Initialize logger (production or development)
//  3. Read the seed directory and its manifest, if configured
//  4. Create the shared build pipeline and CDN fetcher
//  5. Setup HTTP routes and middleware
//  6. Serve until the context is cancelled, then shut down gracefully
//  7. Close every session
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Close()
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server
