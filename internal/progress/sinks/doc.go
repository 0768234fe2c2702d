// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, and a broadcaster feeding live subscribers. Each satisfies
// progress.Sink.
package sinks
