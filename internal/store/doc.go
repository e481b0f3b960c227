// Package store defines interfaces for the durable job activity archive.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
