// Package api hosts the HTTP server, middleware, and handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; ready means the UDP
//     listener is running.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats/latest for the most recent frame and derived rates.
//   - GET /v1/stats/stream for a Server-Sent Events feed of frames.
package api
