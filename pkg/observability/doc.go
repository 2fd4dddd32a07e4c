// Package observability provides structured logging, Prometheus metrics,
// health checks, panic containment, and graceful shutdown for the plugin
// runtime and its daemon.
package observability
