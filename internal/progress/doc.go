// Package progress provides the activity event primitives, non-blocking hub,
// and emitter interface used to record every applied job change. The hub
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, the Postgres archive, artifact storage,
// or Pub/Sub notifications, keeping that work off the webhook request path.
package progress
