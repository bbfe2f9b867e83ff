// Package metrics declares every Prometheus collector in one place, all
// registered in init() and prefixed showrunner_. Other packages observe
// through the exported collectors; the HTTP handler is mounted at /metrics
// by the API server.
package metrics
