// Package stores provides persistence layer implementations for the deployer.
// It includes a SQLite-based store with WAL mode and embedded migrations that
// records execution state per (deployment, unit, command), run history and
// an append-only event log.
package stores
