// Package stores provides the persistence backends: a SQLite store for
// environments, lock records and job history, a Redis-backed lock record
// store, and an in-memory store for tests and ephemeral setups.
package stores
