// Package metrics exposes the server's operational counters, gauges and
// latency histogram over Prometheus, a periodic resource collector for
// process-level gauges, and a trivial JSON health endpoint.
//
// Metric updates are fire-and-forget; a metric failure never affects
// request processing.
package metrics
