// Package api hosts the HTTP server, middleware, and REST handlers of the
// producer process. Notable routes:
//   - POST /metadata to enqueue a URL for asynchronous processing.
//   - GET /metadata?url= for read-through lookup (misses are enqueued).
//   - GET /health/live and /health/ready for probes.
//   - GET /metrics for Prometheus scraping.
package api
