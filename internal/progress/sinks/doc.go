// Package sinks holds the progress.Sink implementations shipped with the
// service: structured logs, Prometheus collectors, and the cache queue.
package sinks
