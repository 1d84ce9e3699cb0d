/*
Package monitoring provides Prometheus metrics for the preview service.

# Overview

One Metrics value owns a private registry and implements the recorder
interfaces of the domain packages, so it can be handed straight to the CDN
fetcher, every sandbox host and every orchestrator.

# Metrics

- HTTP requests by route template (count, latency, response size)
- Generations by final status and time to settle
- Sandbox events by kind and page load latency
- CDN fetches by outcome, fetch latency and circuit breaker state
- Live sessions and WebSocket connections

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	fetcher, _ := cdn.New(cfg, logger, cdn.WithRecorder(metrics))
*/
package monitoring
