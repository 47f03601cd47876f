// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces the ingestion workers use to report job progress. Events
// are batched on a background goroutine and fanned out to pluggable sinks:
// structured logs, Prometheus collectors, and the cache progress queue.
package progress
