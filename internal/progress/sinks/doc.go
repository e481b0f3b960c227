// Package sinks implements concrete activity consumers: structured logging,
// Prometheus counters, the Postgres activity archive, cleaned-data artifacts
// and terminal-state notifications. Each sink satisfies progress.Sink and is
// safe for repeated Consume/Close cycles.
package sinks
